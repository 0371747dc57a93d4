package enrichment

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/civicwire/civicwire/internal/models"
)

const hearingNotice = "The City Council will hold a public hearing on Jan 15, 2025 at 6:00 PM on the proposed $4.2 million budget. " +
	"Public comment closes Feb 1, 2025. Mayor Jane Doe said residents of Ward 3 should attend."

func TestHeuristicScorer_Score(t *testing.T) {
	scorer := NewHeuristicScorer(nil, time.UTC)
	article := &models.Article{ID: 7, Title: "Budget hearing set", CanonicalURL: "https://city.gov/news/budget"}
	body := &models.ArticleBody{ArticleID: 7, CleanedText: hearingNotice, ExtractionStatus: models.ExtractionSkipped}

	res := scorer.Score(article, body)

	want := map[models.Dimension]float64{
		models.DimensionCivicImpact:    0.55,
		models.DimensionLocalRelevance: 0.85,
		models.DimensionActionability:  1,
		models.DimensionUrgency:        0,
	}
	for d, v := range want {
		if res.Scores[d] != v {
			t.Errorf("Scores[%s] = %v, want %v", d, res.Scores[d], v)
		}
	}
	if len(res.Scores) != len(models.Dimensions) {
		t.Errorf("Scores has %d dimensions, want %d", len(res.Scores), len(models.Dimensions))
	}

	if len(res.Opportunities) != 2 {
		t.Fatalf("Opportunities = %+v, want comment and hearing", res.Opportunities)
	}
	comment, hearing := res.Opportunities[0], res.Opportunities[1]
	if comment.Kind != models.OpportunityPublicComment || comment.EndsAt == nil || !comment.EndsAt.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("comment opportunity = %+v", comment)
	}
	if hearing.Kind != models.OpportunityHearing || hearing.StartsAt == nil {
		t.Fatalf("hearing opportunity = %+v", hearing)
	}
	if y, m, d := hearing.StartsAt.Date(); y != 2025 || m != time.January || d != 15 {
		t.Errorf("hearing date = %s", hearing.StartsAt)
	}
	if hearing.Source != models.FactSourceHeuristic || hearing.URL != article.CanonicalURL {
		t.Errorf("hearing provenance = %+v", hearing)
	}
	if len(res.Actions) != 2 {
		t.Errorf("Actions = %+v", res.Actions)
	}

	wantClaims := []models.Claim{{
		ArticleID:   7,
		ClaimType:   "role",
		SubjectType: models.SubjectPerson,
		SubjectID:   "jane-doe",
		Value:       "Mayor",
		ValueHash:   models.HashClaimValue("Mayor"),
		Confidence:  0.6,
		Source:      models.FactSourceHeuristic,
		Status:      models.ClaimProposed,
	}}
	if diff := cmp.Diff(wantClaims, res.Claims); diff != "" {
		t.Errorf("Claims mismatch (-want +got):\n%s", diff)
	}
}

func TestHeuristicScorer_Deterministic(t *testing.T) {
	scorer := NewHeuristicScorer([]string{"bike lane"}, time.UTC)
	article := &models.Article{ID: 1, Title: "New bike lane on 400 Main Street"}
	body := &models.ArticleBody{CleanedText: "Residents can submit feedback through the survey."}

	first := scorer.Score(article, body)
	second := scorer.Score(article, body)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Score is not deterministic:\n%s", diff)
	}

	var keyword bool
	for _, s := range first.Signals {
		if s.Rule == "keyword" && s.Match == "bike lane" {
			keyword = true
		}
	}
	if !keyword {
		t.Errorf("configured keyword not signalled: %+v", first.Signals)
	}
}

func TestHeuristicScorer_NoBody(t *testing.T) {
	res := NewHeuristicScorer(nil, nil).Score(&models.Article{Title: "Weather update"}, nil)
	for _, d := range models.Dimensions {
		if v, ok := res.Scores[d]; !ok || v != 0 {
			t.Errorf("Scores[%s] = %v, %v; want 0", d, v, ok)
		}
	}
	if res.Opportunities != nil || res.Claims != nil {
		t.Errorf("unexpected facts: %+v", res)
	}
}

func TestExtractClaims_Dedup(t *testing.T) {
	text := "Councilwoman Ana Ruiz spoke. Council Member Ana Ruiz later added a motion. The Planning Board met."
	claims := extractClaims(3, text)

	got := make(map[string]string)
	for _, c := range claims {
		got[c.SubjectID] = c.Value
	}
	want := map[string]string{"ana-ruiz": "Council Member", "planning-board": "Planning Board"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("claims mismatch (-want +got):\n%s", diff)
	}
}

func TestRelevanceCalculator_FinalScores(t *testing.T) {
	calc := NewRelevanceCalculator()
	heuristic := models.ScoreMap{
		models.DimensionCivicImpact:    0.2,
		models.DimensionActionability:  0.9,
		models.DimensionLocalRelevance: 1.4,
	}

	tests := []struct {
		name       string
		llm        models.ScoreMap
		confidence float64
		want       models.ScoreMap
	}{
		{
			name: "heuristics only",
			want: models.ScoreMap{
				models.DimensionCivicImpact:       0.2,
				models.DimensionLocalRelevance:    1,
				models.DimensionActionability:     0.9,
				models.DimensionUrgency:           0,
				models.DimensionGovernmentProcess: 0,
			},
		},
		{
			name:       "confident llm",
			llm:        models.ScoreMap{models.DimensionCivicImpact: 1, models.DimensionUrgency: 0.5},
			confidence: 1,
			want: models.ScoreMap{
				models.DimensionCivicImpact:       0.76,
				models.DimensionLocalRelevance:    1,
				models.DimensionActionability:     0.9,
				models.DimensionUrgency:           0.35,
				models.DimensionGovernmentProcess: 0,
			},
		},
		{
			name:       "zero confidence keeps heuristics",
			llm:        models.ScoreMap{models.DimensionCivicImpact: 1},
			confidence: 0,
			want: models.ScoreMap{
				models.DimensionCivicImpact:       0.2,
				models.DimensionLocalRelevance:    1,
				models.DimensionActionability:     0.9,
				models.DimensionUrgency:           0,
				models.DimensionGovernmentProcess: 0,
			},
		},
		{
			name:       "out of range llm is clamped",
			llm:        models.ScoreMap{models.DimensionActionability: 3},
			confidence: 2,
			want: models.ScoreMap{
				models.DimensionCivicImpact:       0.2,
				models.DimensionLocalRelevance:    1,
				models.DimensionActionability:     0.97,
				models.DimensionUrgency:           0,
				models.DimensionGovernmentProcess: 0,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.FinalScores(heuristic, tt.llm, tt.confidence)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("FinalScores mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRelevanceCalculator_Compute(t *testing.T) {
	calc := NewRelevanceCalculator()

	tests := []struct {
		name  string
		final models.ScoreMap
		want  float64
	}{
		{name: "empty", final: models.ScoreMap{}, want: 0},
		{name: "civic impact only", final: models.ScoreMap{models.DimensionCivicImpact: 1}, want: 0.3},
		{name: "uniform", final: models.ScoreMap{
			models.DimensionCivicImpact: 0.5, models.DimensionLocalRelevance: 0.5, models.DimensionActionability: 0.5,
			models.DimensionUrgency: 0.5, models.DimensionGovernmentProcess: 0.5,
		}, want: 0.5},
		{name: "rounded", final: models.ScoreMap{models.DimensionUrgency: 0.33333}, want: 0.0333},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calc.Compute(tt.final); got != tt.want {
				t.Errorf("Compute() = %v, want %v", got, tt.want)
			}
			if again := calc.Compute(tt.final); again != calc.Compute(tt.final) {
				t.Error("Compute() is not deterministic")
			}
		})
	}
}

func TestGate_ShouldRunLLM(t *testing.T) {
	long := &models.ArticleBody{CleanedText: "The council approved the budget after a long hearing.", ExtractionStatus: models.ExtractionSuccess}

	tests := []struct {
		name   string
		gate   Gate
		body   *models.ArticleBody
		want   bool
		reason string
	}{
		{name: "disabled", gate: Gate{Enabled: false}, body: long, reason: GateDisabled},
		{name: "no body", gate: Gate{Enabled: true}, body: nil, reason: GateNoBody},
		{name: "failed extraction", gate: Gate{Enabled: true}, body: &models.ArticleBody{CleanedText: long.CleanedText, ExtractionStatus: models.ExtractionFailed}, reason: GateUnusable},
		{name: "too short", gate: Gate{Enabled: true, MinTextLength: 500}, body: long, reason: GateTooShort},
		{name: "ok", gate: Gate{Enabled: true, MinTextLength: 20}, body: long, want: true, reason: GateOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.gate.ShouldRunLLM(tt.body)
			if got != tt.want || reason != tt.reason {
				t.Errorf("ShouldRunLLM() = %v, %q; want %v, %q", got, reason, tt.want, tt.reason)
			}
		})
	}
}
