package enrichment

import (
	"strings"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// DefaultPromptVersion tags analyses produced with the built-in prompts.
const DefaultPromptVersion = "civic-v1"

// maxPromptChars bounds the article text sent to the model (~6k tokens).
const maxPromptChars = 24000

// PromptTemplates holds the system and user prompts for civic scoring.
type PromptTemplates struct {
	Version          string
	SystemPrompt     string
	AnalysisTemplate string
}

// NewPromptTemplates returns the built-in prompts tagged with version.
func NewPromptTemplates(version string) *PromptTemplates {
	if version == "" {
		version = DefaultPromptVersion
	}
	return &PromptTemplates{
		Version:          version,
		SystemPrompt:     buildSystemPrompt(),
		AnalysisTemplate: buildAnalysisTemplate(),
	}
}

func buildSystemPrompt() string {
	return `CRITICAL: You MUST output ONLY valid JSON. Do not wrap it in markdown code blocks.

You are a local-government analyst. You read municipal news, agendas, notices and meeting packets and
explain what they mean for residents of one city.

Score the document on five dimensions, each a number from 0.0 to 1.0:
- civic_impact: how much the matter changes public services, money, rules or land use
- local_relevance: how specific it is to this city and its neighborhoods
- actionability: whether a resident can do something (comment, attend, apply, vote)
- urgency: how soon action or attention is needed
- government_process: how much it documents a formal government procedure

SOURCE FIDELITY:
- Use names, titles and dates EXACTLY as they appear in the document
- Do not invent dates; leave a date empty when the document does not state one
- Only list opportunities the document actually announces

Output Format: your response MUST be ONLY this JSON structure:
{
  "scores": {"civic_impact": 0.0, "local_relevance": 0.0, "actionability": 0.0, "urgency": 0.0, "government_process": 0.0},
  "justifications": {"civic_impact": "one sentence", "...": "..."},
  "summary": "two or three plain-language sentences",
  "confidence": 0.0,
  "opportunities": [{"kind": "public_comment|hearing|meeting|survey|application|vote", "title": "", "description": "", "starts_at": "YYYY-MM-DD or RFC3339", "ends_at": "", "location": "", "url": ""}],
  "actions": [{"kind": "public_comment|hearing|meeting|survey|application|vote", "title": "imperative sentence", "description": "", "starts_at": "", "ends_at": "", "location": "", "url": ""}],
  "claims": [{"claim_type": "role|budget_amount|vote_result|mentioned_body", "subject_type": "person|organization|location", "subject": "name as written", "value": "", "confidence": 0.0}],
  "explainer": [{"key": "what_happened|why_it_matters|what_is_next|how_to_participate", "heading": "", "body": ""}],
  "timeline": [{"label": "", "description": "", "date": "YYYY-MM-DD"}]
}

"confidence" is your confidence in the scores as a whole, from 0.0 to 1.0. Lower it for short,
truncated or OCR-garbled documents.`
}

func buildAnalysisTemplate() string {
	return `Analyze the following municipal document.

TITLE: {{.Title}}
URL: {{.URL}}
PUBLISHED: {{.PublishedAt}}
CONTENT TYPE: {{.ContentType}}

CONTENT:
{{.Content}}`
}

// BuildAnalysisPrompt fills the analysis template for one article.
func (p *PromptTemplates) BuildAnalysisPrompt(article *models.Article, body *models.ArticleBody) string {
	published := "unknown"
	if article.PublishedAt != nil {
		published = article.PublishedAt.UTC().Format("2006-01-02")
	}
	content := ""
	if body != nil {
		content = body.CleanedText
	}
	if len([]rune(content)) > maxPromptChars {
		content = normalize.Excerpt(content, maxPromptChars)
	}

	template := p.AnalysisTemplate
	template = strings.ReplaceAll(template, "{{.Title}}", article.Title)
	template = strings.ReplaceAll(template, "{{.URL}}", article.CanonicalURL)
	template = strings.ReplaceAll(template, "{{.PublishedAt}}", published)
	template = strings.ReplaceAll(template, "{{.ContentType}}", string(article.ContentType))
	template = strings.ReplaceAll(template, "{{.Content}}", content)
	return template
}
