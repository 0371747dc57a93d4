package enrichment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/store"
)

// FactWriter replaces the facts one scoring stage produced for an article.
type FactWriter struct {
	facts store.FactStore
}

// NewFactWriter creates a fact writer.
func NewFactWriter(facts store.FactStore) *FactWriter {
	return &FactWriter{facts: facts}
}

// Replace deletes every fact of articleID tagged source and inserts the new
// set in one step. Facts of the other source are untouched.
func (w *FactWriter) Replace(ctx context.Context, articleID int64, source models.FactSource, opportunities []models.ArticleOpportunity, claims []models.Claim, actions []models.CivicAction) error {
	set := store.Facts{
		Opportunities: make([]models.ArticleOpportunity, 0, len(opportunities)),
		Actions:       make([]models.CivicAction, 0, len(actions)),
	}
	for _, o := range opportunities {
		o.ArticleID, o.Source = articleID, source
		set.Opportunities = append(set.Opportunities, o)
	}
	for _, a := range actions {
		a.ArticleID, a.Source = articleID, source
		set.Actions = append(set.Actions, a)
	}

	seen := make(map[string]bool, len(claims))
	for _, c := range claims {
		c.ArticleID, c.Source = articleID, source
		if c.ValueHash == "" {
			c.ValueHash = models.HashClaimValue(c.Value)
		}
		if c.Status == "" {
			c.Status = models.ClaimProposed
		}
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		set.Claims = append(set.Claims, c)
	}

	if err := w.facts.ReplaceFacts(ctx, articleID, source, set); err != nil {
		return fmt.Errorf("replace %s facts: %w", source, err)
	}
	return nil
}

// ProjectionWriter rebuilds the explainer and timeline projections from the
// latest llm_done analysis. Rebuilds overwrite by key and are idempotent.
type ProjectionWriter struct {
	analyses    store.AnalysisStore
	projections store.ProjectionStore
	now         func() time.Time
}

// NewProjectionWriter creates a projection writer.
func NewProjectionWriter(analyses store.AnalysisStore, projections store.ProjectionStore) *ProjectionWriter {
	return &ProjectionWriter{analyses: analyses, projections: projections, now: time.Now}
}

// Rebuild refreshes both projections. It reports false when the article has
// no llm_done analysis.
func (w *ProjectionWriter) Rebuild(ctx context.Context, articleID int64) (bool, error) {
	a, err := w.llmDone(ctx, articleID)
	if err != nil || a == nil {
		return false, err
	}
	if err := w.writeExplainer(ctx, a); err != nil {
		return false, err
	}
	if err := w.writeTimeline(ctx, a); err != nil {
		return false, err
	}
	return true, nil
}

// RebuildExplainer refreshes the explainer projection only.
func (w *ProjectionWriter) RebuildExplainer(ctx context.Context, articleID int64) (bool, error) {
	a, err := w.llmDone(ctx, articleID)
	if err != nil || a == nil {
		return false, err
	}
	return true, w.writeExplainer(ctx, a)
}

// RebuildTimeline refreshes the timeline projection only.
func (w *ProjectionWriter) RebuildTimeline(ctx context.Context, articleID int64) (bool, error) {
	a, err := w.llmDone(ctx, articleID)
	if err != nil || a == nil {
		return false, err
	}
	return true, w.writeTimeline(ctx, a)
}

func (w *ProjectionWriter) llmDone(ctx context.Context, articleID int64) (*models.ArticleAnalysis, error) {
	a, err := w.analyses.GetAnalysis(ctx, articleID)
	if err != nil {
		return nil, fmt.Errorf("load analysis: %w", err)
	}
	if a == nil || a.Status != models.AnalysisLLMDone || a.LLMPayload == nil {
		return nil, nil
	}
	return a, nil
}

func (w *ProjectionWriter) writeExplainer(ctx context.Context, a *models.ArticleAnalysis) error {
	index := make(map[string]int)
	var blocks []models.ExplainerBlock
	for _, b := range a.LLMPayload.Explainer {
		key := strings.TrimSpace(b.Key)
		if key == "" || strings.TrimSpace(b.Body) == "" {
			continue
		}
		b.Key = key
		if i, ok := index[key]; ok {
			blocks[i] = b
			continue
		}
		index[key] = len(blocks)
		blocks = append(blocks, b)
	}

	if err := w.projections.SaveExplainer(ctx, &models.ArticleExplainer{
		ArticleID:         a.ArticleID,
		Blocks:            blocks,
		AnalysisUpdatedAt: a.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("save explainer: %w", err)
	}
	return nil
}

func (w *ProjectionWriter) writeTimeline(ctx context.Context, a *models.ArticleAnalysis) error {
	today := w.now().UTC().Truncate(24 * time.Hour)

	items := make([]models.ProcessTimelineItem, 0, len(a.LLMPayload.Timeline))
	for _, step := range a.LLMPayload.Timeline {
		label := strings.TrimSpace(step.Label)
		if label == "" {
			continue
		}
		item := models.ProcessTimelineItem{
			ArticleID:   a.ArticleID,
			Label:       label,
			Description: step.Description,
			OccursAt:    parseLLMDate(step.Date),
			Status:      models.TimelineUnknown,
		}
		if item.OccursAt != nil {
			if item.OccursAt.Before(today) {
				item.Status = models.TimelinePast
			} else {
				item.Status = models.TimelineUpcoming
			}
		}
		items = append(items, item)
	}

	// Dated steps in date order, undated steps keep their relative position at the end.
	sort.SliceStable(items, func(i, j int) bool {
		ai, aj := items[i].OccursAt, items[j].OccursAt
		switch {
		case ai == nil:
			return false
		case aj == nil:
			return true
		default:
			return ai.Before(*aj)
		}
	})
	for i := range items {
		items[i].Position = i + 1
	}

	if err := w.projections.ReplaceTimeline(ctx, a.ArticleID, items); err != nil {
		return fmt.Errorf("replace timeline: %w", err)
	}
	return nil
}
