package enrichment

import (
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// Gate decides whether an article is worth an LLM call.
type Gate struct {
	Enabled       bool
	MinTextLength int
}

// Reasons reported by ShouldRunLLM.
const (
	GateOK       = "ok"
	GateDisabled = "llm_disabled"
	GateNoBody   = "no_body"
	GateUnusable = "body_unusable"
	GateTooShort = "text_too_short"
)

// ShouldRunLLM reports whether the LLM stage should run for body and why.
// It is evaluated on every dispatch so flag changes apply to queued work.
func (g Gate) ShouldRunLLM(body *models.ArticleBody) (bool, string) {
	if !g.Enabled {
		return false, GateDisabled
	}
	if body == nil {
		return false, GateNoBody
	}
	if !body.ExtractionStatus.Usable() {
		return false, GateUnusable
	}
	if normalize.MeaningfulLength(body.CleanedText) < g.MinTextLength {
		return false, GateTooShort
	}
	return true, GateOK
}
