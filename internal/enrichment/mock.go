package enrichment

import (
	"context"
	"sync/atomic"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// StubScorer is an offline LLMScorer. It derives a model-shaped result from
// the heuristic rules so the full pipeline can run without API calls.
type StubScorer struct {
	heuristics *HeuristicScorer
	// Err, when set, is returned by every Score call.
	Err   error
	calls atomic.Int64
}

// NewStubScorer creates an offline scorer over the given heuristics.
func NewStubScorer(heuristics *HeuristicScorer) *StubScorer {
	return &StubScorer{heuristics: heuristics}
}

// Calls returns how many times Score ran.
func (s *StubScorer) Calls() int {
	return int(s.calls.Load())
}

// Score returns heuristic scores lifted toward the middle, a summary from the
// opening of the body and one explainer block.
func (s *StubScorer) Score(ctx context.Context, article *models.Article, body *models.ArticleBody) (*LLMResult, error) {
	s.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Err != nil {
		return nil, s.Err
	}

	h := s.heuristics.Score(article, body)
	scores := make(models.ScoreMap, len(h.Scores))
	for d, v := range h.Scores {
		scores[d] = round4(clamp01(0.5*v + 0.25))
	}

	text := ""
	if body != nil {
		text = body.CleanedText
	}
	summary := normalize.Excerpt(text, 280)

	res := &LLMResult{
		Scores:        scores,
		Summary:       summary,
		Confidence:    0.5,
		Model:         "stub",
		PromptVersion: DefaultPromptVersion,
		Explainer: []models.ExplainerBlock{
			{Key: "what_happened", Heading: "What happened", Body: summary},
		},
	}
	for _, o := range h.Opportunities {
		o.Source = models.FactSourceLLM
		res.Opportunities = append(res.Opportunities, o)
		step := models.TimelineStep{Label: o.Title}
		switch {
		case o.StartsAt != nil:
			step.Date = o.StartsAt.Format("2006-01-02")
		case o.EndsAt != nil:
			step.Date = o.EndsAt.Format("2006-01-02")
		}
		res.Timeline = append(res.Timeline, step)
	}
	return res, nil
}
