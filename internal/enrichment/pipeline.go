// Package enrichment scores articles for civic relevance: deterministic
// heuristics first, then an optional LLM pass, blended into final scores and
// projected into explainers and process timelines.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicwire/civicwire/internal/metrics"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/store"
)

// ErrArticleNotFound is returned when the article to enrich does not exist.
var ErrArticleNotFound = errors.New("article not found")

// Store is the persistence the pipeline needs.
type Store interface {
	store.SourceStore
	store.ArticleStore
	store.AnalysisStore
	store.FactStore
	store.ProjectionStore
}

// Reindexer refreshes the search document of an article.
type Reindexer interface {
	ReindexQuietly(ctx context.Context, articleID int64)
}

// Result summarizes one Enrich call.
type Result struct {
	ArticleID  int64                 `json:"article_id"`
	Status     models.AnalysisStatus `json:"status"`
	LLMRan     bool                  `json:"llm_ran"`
	GateReason string                `json:"gate_reason"`
	Score      *float64              `json:"civic_relevance_score,omitempty"`
}

// Pipeline runs the analysis stages for one article at a time.
type Pipeline struct {
	store       Store
	heuristics  *HeuristicScorer
	llm         LLMScorer
	gate        Gate
	calc        RelevanceCalculator
	facts       *FactWriter
	projections *ProjectionWriter
	reindex     Reindexer
	metrics     *metrics.PipelineCollector
	logger      *slog.Logger
	now         func() time.Time
}

// NewPipeline creates a pipeline. llm, reindex and collector may be nil; a
// nil llm keeps every article at heuristics_done.
func NewPipeline(st Store, heuristics *HeuristicScorer, llm LLMScorer, gate Gate, reindex Reindexer, collector *metrics.PipelineCollector, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:       st,
		heuristics:  heuristics,
		llm:         llm,
		gate:        gate,
		calc:        NewRelevanceCalculator(),
		facts:       NewFactWriter(st),
		projections: NewProjectionWriter(st, st),
		reindex:     reindex,
		metrics:     collector,
		logger:      logger.With("component", "enrichment_pipeline"),
		now:         time.Now,
	}
}

// Projections returns the projection writer used after LLM passes.
func (p *Pipeline) Projections() *ProjectionWriter {
	return p.projections
}

// Enrich scores the article. Stage failures are written to the analysis as
// status failed and returned; the status otherwise only moves forward.
func (p *Pipeline) Enrich(ctx context.Context, articleID int64) (res Result, err error) {
	res.ArticleID = articleID
	logger := p.logger.With("article_id", articleID)

	article, err := p.store.GetArticle(ctx, articleID)
	if err != nil {
		return res, fmt.Errorf("load article: %w", err)
	}
	if article == nil {
		return res, fmt.Errorf("%w: %d", ErrArticleNotFound, articleID)
	}
	body, err := p.store.GetBody(ctx, articleID)
	if err != nil {
		return res, fmt.Errorf("load body: %w", err)
	}

	analysis, err := p.store.GetAnalysis(ctx, articleID)
	if err != nil {
		return res, fmt.Errorf("load analysis: %w", err)
	}
	if analysis == nil {
		analysis = &models.ArticleAnalysis{ArticleID: articleID, Status: models.AnalysisPending}
		if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
			return res, fmt.Errorf("create analysis: %w", err)
		}
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("enrichment panic: %v", r)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			res.Status = p.fail(ctx, analysis, err, logger)
		}
	}()

	if err := p.runHeuristics(ctx, article, body, analysis); err != nil {
		return res, err
	}
	res.Status = analysis.Status
	res.Score = analysis.CivicRelevanceScore

	ok, reason := p.gate.ShouldRunLLM(body)
	if ok && p.llm == nil {
		ok, reason = false, GateDisabled
	}
	res.GateReason = reason
	if !ok {
		logger.Debug("llm stage skipped", "reason", reason)
		p.reindexQuietly(ctx, articleID)
		return res, nil
	}

	if err := p.runLLM(ctx, article, body, analysis); err != nil {
		return res, err
	}
	res.LLMRan = true
	res.Status = analysis.Status
	res.Score = analysis.CivicRelevanceScore

	if _, err := p.projections.Rebuild(ctx, articleID); err != nil {
		return res, err
	}
	p.reindexQuietly(ctx, articleID)

	logger.Info("article enriched",
		"status", string(analysis.Status),
		"civic_relevance_score", *analysis.CivicRelevanceScore,
		"model", analysis.Model)
	return res, nil
}

// location picks the timezone for dates in the article text: the scrape
// source's, then the city's. Nil leaves the scorer default.
func (p *Pipeline) location(ctx context.Context, article *models.Article) *time.Location {
	var cfg models.SourceConfig
	if article.ScrapeSourceID != 0 {
		src, err := p.store.GetScrapeSource(ctx, article.ScrapeSourceID)
		if err != nil {
			p.logger.Warn("failed to load scrape source timezone", "article_id", article.ID, "error", err)
		} else if src != nil {
			cfg = src.Config
		}
	}
	cityTZ := ""
	if cfg.Timezone == "" {
		city, err := p.store.GetCity(ctx, article.CityID)
		if err != nil {
			p.logger.Warn("failed to load city timezone", "article_id", article.ID, "error", err)
		} else if city != nil {
			cityTZ = city.Timezone
		}
	}
	if cfg.Timezone == "" && cityTZ == "" {
		return nil
	}
	loc, err := cfg.TimeLocation(cityTZ)
	if err != nil {
		p.logger.Warn("ignoring timezone", "article_id", article.ID, "error", err)
		return nil
	}
	return loc
}

func (p *Pipeline) runHeuristics(ctx context.Context, article *models.Article, body *models.ArticleBody, analysis *models.ArticleAnalysis) error {
	h := p.heuristics.ScoreIn(article, body, p.location(ctx, article))
	if err := p.facts.Replace(ctx, article.ID, models.FactSourceHeuristic, h.Opportunities, h.Claims, h.Actions); err != nil {
		return err
	}
	SortSignals(h.Signals)

	analysis.HeuristicScores = h.Scores
	analysis.HeuristicSignals = h.Signals
	if analysis.Status == models.AnalysisLLMDone && analysis.LLMScores != nil {
		conf := 0.0
		if analysis.Confidence != nil {
			conf = *analysis.Confidence
		}
		analysis.FinalScores = p.calc.FinalScores(h.Scores, analysis.LLMScores, conf)
	} else {
		analysis.FinalScores = p.calc.FinalScores(h.Scores, nil, 0)
	}
	p.finalize(analysis, models.AnalysisHeuristicsDone)

	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return fmt.Errorf("save heuristic analysis: %w", err)
	}
	p.metrics.ObserveAnalysis(string(analysis.Status))
	return nil
}

func (p *Pipeline) runLLM(ctx context.Context, article *models.Article, body *models.ArticleBody, analysis *models.ArticleAnalysis) error {
	start := time.Now()
	out, err := p.llm.Score(ctx, article, body)
	p.metrics.ObserveLLM(time.Since(start))
	if err != nil {
		return fmt.Errorf("llm scoring: %w", err)
	}

	if err := p.facts.Replace(ctx, article.ID, models.FactSourceLLM, out.Opportunities, out.Claims, out.Actions); err != nil {
		return err
	}

	conf := clamp01(out.Confidence)
	analysis.LLMScores = out.Scores
	analysis.Confidence = &conf
	analysis.Model = out.Model
	analysis.PromptVersion = out.PromptVersion
	analysis.LLMPayload = &models.LLMPayload{
		Summary:        out.Summary,
		Justifications: out.Justifications,
		Explainer:      out.Explainer,
		Timeline:       out.Timeline,
	}
	analysis.FinalScores = p.calc.FinalScores(analysis.HeuristicScores, out.Scores, conf)
	p.finalize(analysis, models.AnalysisLLMDone)

	if err := p.store.SaveAnalysis(ctx, analysis); err != nil {
		return fmt.Errorf("save llm analysis: %w", err)
	}
	p.metrics.ObserveAnalysis(string(analysis.Status))
	return nil
}

func (p *Pipeline) finalize(analysis *models.ArticleAnalysis, next models.AnalysisStatus) {
	score := p.calc.Compute(analysis.FinalScores)
	now := p.now().UTC()
	analysis.CivicRelevanceScore = &score
	analysis.Status = analysis.Status.Advance(next)
	analysis.Error = ""
	analysis.LastScoredAt = &now
}

// fail records err on the analysis. A failed save is logged only; the
// original error is what the caller reports.
func (p *Pipeline) fail(ctx context.Context, analysis *models.ArticleAnalysis, err error, logger *slog.Logger) models.AnalysisStatus {
	analysis.Status = analysis.Status.Advance(models.AnalysisFailed)
	analysis.Error = err.Error()
	if saveErr := p.store.SaveAnalysis(context.WithoutCancel(ctx), analysis); saveErr != nil {
		logger.Error("failed to record analysis failure", "error", saveErr)
	}
	p.metrics.ObserveAnalysis(string(analysis.Status))
	logger.Warn("enrichment failed", "error", err)
	return analysis.Status
}

func (p *Pipeline) reindexQuietly(ctx context.Context, articleID int64) {
	if p.reindex != nil {
		p.reindex.ReindexQuietly(ctx, articleID)
	}
}
