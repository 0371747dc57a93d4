// Package search keeps the full-text index in step with article changes.
package search

import (
	"context"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// bodyExcerptLength bounds the text shipped to the index.
const bodyExcerptLength = 20000

// Indexer writes article documents through to the search backend.
type Indexer interface {
	IndexArticle(ctx context.Context, doc ArticleDocument) error
}

// ArticleDocument is the indexed shape of an article.
type ArticleDocument struct {
	ID                  int64           `json:"id"`
	CityID              int64           `json:"city_id"`
	Title               string          `json:"title"`
	Slug                string          `json:"slug"`
	URL                 string          `json:"url"`
	Summary             string          `json:"summary,omitempty"`
	Body                string          `json:"body,omitempty"`
	ContentType         string          `json:"content_type"`
	PublishedAt         *time.Time      `json:"published_at,omitempty"`
	ExtractionStatus    string          `json:"extraction_status,omitempty"`
	AnalysisStatus      string          `json:"analysis_status,omitempty"`
	FinalScores         models.ScoreMap `json:"final_scores,omitempty"`
	CivicRelevanceScore *float64        `json:"civic_relevance_score,omitempty"`
	ActionableTerms     []string        `json:"actionable_terms,omitempty"`
	IndexedAt           time.Time       `json:"indexed_at"`
}

// DocumentBuilder assembles documents. Keywords are the actionable-query
// terms ranking boosts on.
type DocumentBuilder struct {
	Keywords []string
}

// Build creates the document of an article. body and analysis may be nil.
func (b DocumentBuilder) Build(a *models.Article, body *models.ArticleBody, analysis *models.ArticleAnalysis) ArticleDocument {
	doc := ArticleDocument{
		ID:          a.ID,
		CityID:      a.CityID,
		Title:       a.Title,
		Slug:        a.Slug,
		URL:         a.CanonicalURL,
		Summary:     a.Summary,
		ContentType: string(a.ContentType),
		PublishedAt: a.PublishedAt,
		IndexedAt:   time.Now().UTC(),
	}
	if body != nil {
		doc.ExtractionStatus = string(body.ExtractionStatus)
		if body.ExtractionStatus.Usable() {
			doc.Body = normalize.Excerpt(body.CleanedText, bodyExcerptLength)
		}
	}
	if analysis != nil {
		doc.AnalysisStatus = string(analysis.Status)
		doc.FinalScores = analysis.FinalScores
		doc.CivicRelevanceScore = analysis.CivicRelevanceScore
	}
	doc.ActionableTerms = matchTerms(b.Keywords, doc.Title+"\n"+doc.Summary+"\n"+doc.Body)
	return doc
}

func matchTerms(keywords []string, text string) []string {
	if len(keywords) == 0 || text == "" {
		return nil
	}
	lower := strings.ToLower(text)
	var found []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			found = append(found, k)
		}
	}
	return found
}

// Noop discards documents.
type Noop struct{}

func (Noop) IndexArticle(context.Context, ArticleDocument) error { return nil }
