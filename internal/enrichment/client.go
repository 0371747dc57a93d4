package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// LLMResult is the structured output of one model scoring pass.
type LLMResult struct {
	Scores         models.ScoreMap
	Justifications map[models.Dimension]string
	Summary        string
	Confidence     float64
	Opportunities  []models.ArticleOpportunity
	Actions        []models.CivicAction
	Claims         []models.Claim
	Explainer      []models.ExplainerBlock
	Timeline       []models.TimelineStep
	Model          string
	PromptVersion  string
}

// LLMScorer scores an article with a language model.
type LLMScorer interface {
	Score(ctx context.Context, article *models.Article, body *models.ArticleBody) (*LLMResult, error)
}

// OpenAIConfig holds configuration for OpenAI API usage.
type OpenAIConfig struct {
	APIKey        string
	BaseURL       string // empty for the public API
	Model         string
	Temperature   float32
	MaxTokens     int
	Timeout       time.Duration
	MaxRetries    int
	BaseDelay     time.Duration
	PromptVersion string
}

// DefaultOpenAIConfig returns defaults suited to short municipal documents.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:         openai.GPT4oMini,
		Temperature:   0.2,
		MaxTokens:     2000,
		Timeout:       90 * time.Second,
		MaxRetries:    3,
		BaseDelay:     time.Second,
		PromptVersion: DefaultPromptVersion,
	}
}

// OpenAIScorer scores articles with an OpenAI chat completion in JSON mode.
type OpenAIScorer struct {
	client  *openai.Client
	config  OpenAIConfig
	prompts *PromptTemplates
	logger  *slog.Logger
}

// NewOpenAIScorer creates a scorer for the configured model.
func NewOpenAIScorer(cfg OpenAIConfig, logger *slog.Logger) *OpenAIScorer {
	def := DefaultOpenAIConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIScorer{
		client:  openai.NewClientWithConfig(clientCfg),
		config:  cfg,
		prompts: NewPromptTemplates(cfg.PromptVersion),
		logger:  logger.With("component", "openai_scorer"),
	}
}

// Score sends the article to the model and parses its JSON answer.
// Rate-limited calls are retried with exponential backoff and jitter.
func (s *OpenAIScorer) Score(ctx context.Context, article *models.Article, body *models.ArticleBody) (*LLMResult, error) {
	request := s.buildRequest(s.prompts.BuildAnalysisPrompt(article, body))

	var (
		resp openai.ChatCompletionResponse
		err  error
	)
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		start := time.Now()
		apiCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
		resp, err = s.client.CreateChatCompletion(apiCtx, request)
		cancel()

		s.logger.Debug("openai call complete",
			"article_id", article.ID,
			"attempt", attempt+1,
			"duration_ms", time.Since(start).Milliseconds(),
			"success", err == nil)

		if err == nil || !isRateLimited(err) || attempt == s.config.MaxRetries-1 {
			break
		}

		delay := s.config.BaseDelay*time.Duration(1<<uint(attempt)) + time.Duration(rand.Int64N(int64(s.config.BaseDelay/2)+1))
		s.logger.Warn("rate limited, retrying with backoff",
			"article_id", article.ID,
			"attempt", attempt+1,
			"delay_ms", delay.Milliseconds())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("openai api call failed for article %d: %w", article.ID, err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no completion choices returned from model %s", s.config.Model)
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("empty response from model %s (finish_reason: %s)", s.config.Model, resp.Choices[0].FinishReason)
	}

	result, err := parseLLMResponse(article, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}
	result.Model = s.config.Model
	if resp.Model != "" {
		result.Model = resp.Model
	}
	result.PromptVersion = s.prompts.Version
	return result, nil
}

func (s *OpenAIScorer) buildRequest(prompt string) openai.ChatCompletionRequest {
	// Reasoning models reject response_format and system messages.
	model := strings.ToLower(s.config.Model)
	if strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4") || strings.Contains(model, "gpt-5") {
		return openai.ChatCompletionRequest{
			Model:               s.config.Model,
			MaxCompletionTokens: s.config.MaxTokens,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: s.prompts.SystemPrompt + "\n\n" + prompt},
			},
		}
	}
	return openai.ChatCompletionRequest{
		Model:               s.config.Model,
		Temperature:         s.config.Temperature,
		MaxCompletionTokens: s.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: s.prompts.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return false
}

type llmFact struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
	StartsAt    string `json:"starts_at"`
	EndsAt      string `json:"ends_at"`
	Location    string `json:"location"`
	URL         string `json:"url"`
}

type llmResponse struct {
	Scores         map[string]float64 `json:"scores"`
	Justifications map[string]string  `json:"justifications"`
	Summary        string             `json:"summary"`
	Confidence     float64            `json:"confidence"`
	Opportunities  []llmFact          `json:"opportunities"`
	Actions        []llmFact          `json:"actions"`
	Claims         []struct {
		ClaimType   string  `json:"claim_type"`
		SubjectType string  `json:"subject_type"`
		Subject     string  `json:"subject"`
		Value       string  `json:"value"`
		Confidence  float64 `json:"confidence"`
	} `json:"claims"`
	Explainer []models.ExplainerBlock `json:"explainer"`
	Timeline  []models.TimelineStep   `json:"timeline"`
}

// parseLLMResponse maps the model JSON onto typed facts. Unknown dimensions
// and kinds are dropped; scores are clamped into [0,1].
func parseLLMResponse(article *models.Article, content string) (*LLMResult, error) {
	content = strings.TrimSpace(content)
	if i, j := strings.Index(content, "{"), strings.LastIndex(content, "}"); i > 0 && j > i {
		content = content[i : j+1]
	}
	var raw llmResponse
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, err
	}

	res := &LLMResult{
		Scores:         make(models.ScoreMap),
		Justifications: make(map[models.Dimension]string),
		Summary:        strings.TrimSpace(raw.Summary),
		Confidence:     clamp01(raw.Confidence),
		Explainer:      raw.Explainer,
		Timeline:       raw.Timeline,
	}
	for _, d := range models.Dimensions {
		if v, ok := raw.Scores[string(d)]; ok {
			res.Scores[d] = round4(clamp01(v))
		}
		if j := strings.TrimSpace(raw.Justifications[string(d)]); j != "" {
			res.Justifications[d] = j
		}
	}
	if len(res.Scores) == 0 {
		return nil, errors.New("response carries no dimension scores")
	}

	for _, f := range raw.Opportunities {
		kind, ok := parseOpportunityKind(f.Kind)
		if !ok || strings.TrimSpace(f.Title) == "" {
			continue
		}
		res.Opportunities = append(res.Opportunities, models.ArticleOpportunity{
			ArticleID:   article.ID,
			Source:      models.FactSourceLLM,
			Kind:        kind,
			Title:       strings.TrimSpace(f.Title),
			Description: f.Description,
			URL:         firstNonEmpty(f.URL, article.CanonicalURL),
			StartsAt:    parseLLMDate(f.StartsAt),
			EndsAt:      parseLLMDate(f.EndsAt),
			Location:    f.Location,
		})
	}
	for _, f := range raw.Actions {
		kind, ok := parseOpportunityKind(f.Kind)
		if !ok || strings.TrimSpace(f.Title) == "" {
			continue
		}
		res.Actions = append(res.Actions, models.CivicAction{
			ArticleID:   article.ID,
			Source:      models.FactSourceLLM,
			Kind:        kind,
			Title:       strings.TrimSpace(f.Title),
			Description: f.Description,
			URL:         firstNonEmpty(f.URL, article.CanonicalURL),
			StartsAt:    parseLLMDate(f.StartsAt),
			EndsAt:      parseLLMDate(f.EndsAt),
			Location:    f.Location,
		})
	}
	for _, c := range raw.Claims {
		subject := normalize.Slugify(c.Subject)
		if c.ClaimType == "" || subject == "" || strings.TrimSpace(c.Value) == "" {
			continue
		}
		res.Claims = append(res.Claims, models.Claim{
			ArticleID:   article.ID,
			ClaimType:   c.ClaimType,
			SubjectType: parseSubjectType(c.SubjectType),
			SubjectID:   subject,
			Value:       strings.TrimSpace(c.Value),
			ValueHash:   models.HashClaimValue(c.Value),
			Confidence:  clamp01(c.Confidence),
			Source:      models.FactSourceLLM,
			Status:      models.ClaimProposed,
		})
	}
	return res, nil
}

func parseOpportunityKind(s string) (models.OpportunityKind, bool) {
	switch k := models.OpportunityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case models.OpportunityPublicComment, models.OpportunityHearing, models.OpportunityMeeting,
		models.OpportunitySurvey, models.OpportunityApplication, models.OpportunityVote:
		return k, true
	}
	return "", false
}

func parseSubjectType(s string) models.SubjectType {
	switch t := models.SubjectType(strings.ToLower(strings.TrimSpace(s))); t {
	case models.SubjectPerson, models.SubjectLocation:
		return t
	}
	return models.SubjectOrganization
}

func parseLLMDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, _, ok := normalize.ParseMachineTime(s, time.UTC)
	if !ok {
		return nil
	}
	return &t
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
