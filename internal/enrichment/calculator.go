package enrichment

import (
	"github.com/civicwire/civicwire/internal/models"
)

// DefaultWeights combine final dimension scores into the civic relevance score.
var DefaultWeights = map[models.Dimension]float64{
	models.DimensionCivicImpact:       0.3,
	models.DimensionLocalRelevance:    0.2,
	models.DimensionActionability:     0.2,
	models.DimensionUrgency:           0.1,
	models.DimensionGovernmentProcess: 0.2,
}

// llmTrust scales how far a fully confident LLM pulls scores away from heuristics.
const llmTrust = 0.7

// RelevanceCalculator blends heuristic and LLM scores. It is pure.
type RelevanceCalculator struct {
	Weights map[models.Dimension]float64
}

// NewRelevanceCalculator uses DefaultWeights.
func NewRelevanceCalculator() RelevanceCalculator {
	return RelevanceCalculator{Weights: DefaultWeights}
}

// FinalScores blends per dimension with w_llm = 0.7 * confidence when llm is
// non-nil. Every canonical dimension is present in the result, in [0,1].
func (c RelevanceCalculator) FinalScores(heuristic, llm models.ScoreMap, confidence float64) models.ScoreMap {
	wLLM := 0.0
	if llm != nil {
		wLLM = llmTrust * clamp01(confidence)
	}

	out := make(models.ScoreMap, len(models.Dimensions))
	for _, d := range models.Dimensions {
		h := clamp01(heuristic[d])
		v := h
		if l, ok := llm[d]; ok {
			v = (1-wLLM)*h + wLLM*clamp01(l)
		}
		out[d] = round4(clamp01(v))
	}
	return out
}

// Compute returns the weighted civic relevance score rounded to 4 decimals.
func (c RelevanceCalculator) Compute(final models.ScoreMap) float64 {
	weights := c.Weights
	if weights == nil {
		weights = DefaultWeights
	}
	total, sum := 0.0, 0.0
	for _, d := range models.Dimensions {
		w := weights[d]
		total += w
		sum += w * clamp01(final[d])
	}
	if total == 0 {
		return 0
	}
	return round4(sum / total)
}
