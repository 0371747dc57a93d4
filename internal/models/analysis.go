package models

import (
	"time"
)

// AnalysisStatus is the scoring stage an article has reached.
type AnalysisStatus string

const (
	AnalysisPending        AnalysisStatus = "pending"
	AnalysisHeuristicsDone AnalysisStatus = "heuristics_done"
	AnalysisLLMDone        AnalysisStatus = "llm_done"
	AnalysisFailed         AnalysisStatus = "failed"
)

func (s AnalysisStatus) rank() int {
	switch s {
	case AnalysisHeuristicsDone:
		return 1
	case AnalysisLLMDone:
		return 2
	default:
		return 0
	}
}

// Advance returns the status after a stage reports next.
// Status moves forward only; failed is reachable from anywhere and a failed
// analysis may be restarted by any stage.
func (s AnalysisStatus) Advance(next AnalysisStatus) AnalysisStatus {
	if next == AnalysisFailed {
		return AnalysisFailed
	}
	if s == "" || s == AnalysisFailed {
		return next
	}
	if next.rank() >= s.rank() {
		return next
	}
	return s
}

// Dimension is one axis of civic scoring.
type Dimension string

const (
	DimensionCivicImpact       Dimension = "civic_impact"
	DimensionLocalRelevance    Dimension = "local_relevance"
	DimensionActionability     Dimension = "actionability"
	DimensionUrgency           Dimension = "urgency"
	DimensionGovernmentProcess Dimension = "government_process"
)

// Dimensions is the canonical dimension set, in display order.
var Dimensions = []Dimension{
	DimensionCivicImpact,
	DimensionLocalRelevance,
	DimensionActionability,
	DimensionUrgency,
	DimensionGovernmentProcess,
}

// ScoreMap holds per-dimension scores in [0,1].
type ScoreMap map[Dimension]float64

// ArticleAnalysis is the single, continuously overwritten analysis row of an article.
type ArticleAnalysis struct {
	ArticleID           int64          `json:"article_id"`
	Status              AnalysisStatus `json:"status"`
	HeuristicScores     ScoreMap       `json:"heuristic_scores,omitempty"`
	LLMScores           ScoreMap       `json:"llm_scores,omitempty"`
	FinalScores         ScoreMap       `json:"final_scores,omitempty"`
	CivicRelevanceScore *float64       `json:"civic_relevance_score,omitempty"`
	Model               string         `json:"model,omitempty"`
	PromptVersion       string         `json:"prompt_version,omitempty"`
	Confidence          *float64       `json:"confidence,omitempty"`
	HeuristicSignals    []Signal       `json:"heuristic_signals,omitempty"`
	LLMPayload          *LLMPayload    `json:"llm_payload,omitempty"`
	Error               string         `json:"error,omitempty"`
	LastScoredAt        *time.Time     `json:"last_scored_at,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Signal is a piece of evidence a heuristic rule matched.
type Signal struct {
	Dimension Dimension `json:"dimension"`
	Rule      string    `json:"rule"`
	Match     string    `json:"match"`
	Weight    float64   `json:"weight"`
}

// LLMPayload is the structured portion of an LLM scoring response kept for projections.
type LLMPayload struct {
	Summary        string               `json:"summary,omitempty"`
	Justifications map[Dimension]string `json:"justifications,omitempty"`
	Explainer      []ExplainerBlock     `json:"explainer,omitempty"`
	Timeline       []TimelineStep       `json:"timeline,omitempty"`
}

// TimelineStep is a process step proposed by the LLM.
type TimelineStep struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Date        string `json:"date,omitempty"` // YYYY-MM-DD when known
}
