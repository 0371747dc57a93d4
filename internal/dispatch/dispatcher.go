// Package dispatch is the trigger surface of the pipeline: it validates and
// starts runs, queues due sources, and routes worker tasks to the components
// that execute them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/civicwire/civicwire/internal/enrichment"
	"github.com/civicwire/civicwire/internal/extraction"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/orchestrator"
	"github.com/civicwire/civicwire/internal/queue"
	"github.com/civicwire/civicwire/internal/scheduler"
	"github.com/civicwire/civicwire/internal/store"
)

var (
	ErrSourceDisabled  = errors.New("source is disabled")
	ErrUnsupportedType = errors.New("unsupported source type")
	ErrRunActive       = errors.New("source already has a queued or running run")
)

// Store is the persistence the dispatcher reads.
type Store interface {
	store.SourceStore
	store.RunStore
	store.ArticleStore
	store.AnalysisStore
}

// RunExecutor executes one run of a source.
type RunExecutor interface {
	Run(ctx context.Context, sourceID int64, runID *int64) (orchestrator.RunResult, error)
}

// ArticleExtractor extracts the document text of an article.
type ArticleExtractor interface {
	Extract(ctx context.Context, articleID int64) (extraction.Result, error)
}

// ArticleEnricher scores an article.
type ArticleEnricher interface {
	Enrich(ctx context.Context, articleID int64) (enrichment.Result, error)
}

// ProjectionRebuilder rebuilds the explainer and timeline of an article.
type ProjectionRebuilder interface {
	Rebuild(ctx context.Context, articleID int64) (bool, error)
}

// Config tunes batch work.
type Config struct {
	ProjectionBatchSize   int
	ProjectionConcurrency int
}

// Components are the collaborators the dispatcher routes work to.
type Components struct {
	Store       Store
	Tasks       queue.Enqueuer
	Scrapes     RunExecutor
	Events      RunExecutor
	Extractor   ArticleExtractor
	Enricher    ArticleEnricher
	Projections ProjectionRebuilder
	Enrichment  *EnrichmentDispatch
	Failures    *orchestrator.FailureHandler
}

// Dispatcher starts runs and queues follow-up work.
type Dispatcher struct {
	Components
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a dispatcher.
func New(c Components, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.ProjectionBatchSize <= 0 {
		cfg.ProjectionBatchSize = 100
	}
	if cfg.ProjectionConcurrency <= 0 {
		cfg.ProjectionConcurrency = 4
	}
	return &Dispatcher{
		Components: c,
		cfg:        cfg,
		logger:     logger.With("component", "dispatcher"),
		now:        time.Now,
	}
}

// DispatchScrape runs the scraper named by id or slug inline once the
// source passes the pre-checks.
func (d *Dispatcher) DispatchScrape(ctx context.Context, ref string) (orchestrator.RunResult, error) {
	src, err := d.lookupScrapeSource(ctx, ref)
	if err != nil {
		return orchestrator.RunResult{}, err
	}
	if !src.IsEnabled {
		return orchestrator.RunResult{}, fmt.Errorf("%w: %s", ErrSourceDisabled, src.Slug)
	}
	if !src.Type.Valid() {
		return orchestrator.RunResult{}, fmt.Errorf("%w: %q", ErrUnsupportedType, src.Type)
	}
	if err := d.ensureIdle(ctx, models.RunKindScrape, src.ID); err != nil {
		return orchestrator.RunResult{}, err
	}

	res, err := d.Scrapes.Run(ctx, src.ID, nil)
	if err != nil {
		d.failInline(ctx, res.RunID, err)
		return res, fmt.Errorf("scrape %s: %w", src.Slug, err)
	}
	return res, nil
}

func (d *Dispatcher) lookupScrapeSource(ctx context.Context, ref string) (*models.ScrapeSource, error) {
	ref = strings.TrimSpace(ref)
	var src *models.ScrapeSource
	var err error
	if id, perr := strconv.ParseInt(ref, 10, 64); perr == nil {
		src, err = d.Store.GetScrapeSource(ctx, id)
	}
	if err == nil && src == nil {
		src, err = d.Store.GetScrapeSourceBySlug(ctx, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load scrape source %q: %w", ref, err)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: scrape source %q", orchestrator.ErrSourceNotFound, ref)
	}
	return src, nil
}

// DispatchEventIngestion runs an event source inline. runID adopts a run
// created earlier.
func (d *Dispatcher) DispatchEventIngestion(ctx context.Context, sourceID int64, runID *int64) (orchestrator.RunResult, error) {
	src, err := d.Store.GetEventSource(ctx, sourceID)
	if err != nil {
		return orchestrator.RunResult{}, fmt.Errorf("load event source %d: %w", sourceID, err)
	}
	if src == nil {
		return orchestrator.RunResult{}, fmt.Errorf("%w: event source %d", orchestrator.ErrSourceNotFound, sourceID)
	}
	if runID == nil {
		if !src.IsActive {
			return orchestrator.RunResult{}, fmt.Errorf("%w: event source %d", ErrSourceDisabled, sourceID)
		}
		if err := d.ensureIdle(ctx, models.RunKindEvent, src.ID); err != nil {
			return orchestrator.RunResult{}, err
		}
	}

	res, err := d.Events.Run(ctx, src.ID, runID)
	if err != nil {
		failed := res.RunID
		if runID != nil {
			failed = *runID
		}
		d.failInline(ctx, failed, err)
		return res, fmt.Errorf("event ingestion %d: %w", sourceID, err)
	}
	return res, nil
}

func (d *Dispatcher) ensureIdle(ctx context.Context, kind models.RunKind, sourceID int64) error {
	active, err := d.Store.ActiveRun(ctx, kind, sourceID)
	if err != nil {
		return fmt.Errorf("check active run: %w", err)
	}
	if active != nil {
		return fmt.Errorf("%w: run %d", ErrRunActive, active.ID)
	}
	return nil
}

func (d *Dispatcher) failInline(ctx context.Context, runID int64, cause error) {
	if runID == 0 || d.Failures == nil {
		return
	}
	if _, err := d.Failures.FailRun(context.WithoutCancel(ctx), runID, cause); err != nil {
		d.logger.Error("failed to record run failure", "run_id", runID, "error", err)
	}
}

// RunDueScrapers queues a run for every enabled scraper that is due.
func (d *Dispatcher) RunDueScrapers(ctx context.Context) (scheduler.DueReport, error) {
	sources, err := d.Store.ListScrapeSources(ctx, true)
	if err != nil {
		return scheduler.DueReport{}, fmt.Errorf("list scrape sources: %w", err)
	}
	zones := d.cityZones()
	candidates := make([]scheduler.Source, 0, len(sources))
	for _, s := range sources {
		candidates = append(candidates, scheduler.FromScrapeSource(s, zones(ctx, s.CityID)))
	}
	return d.queueDue(ctx, candidates, queue.ScrapeRun), nil
}

// RunDueEventSources queues a run for every active event source that is due.
func (d *Dispatcher) RunDueEventSources(ctx context.Context) (scheduler.DueReport, error) {
	sources, err := d.Store.ListEventSources(ctx, true)
	if err != nil {
		return scheduler.DueReport{}, fmt.Errorf("list event sources: %w", err)
	}
	zones := d.cityZones()
	candidates := make([]scheduler.Source, 0, len(sources))
	for _, s := range sources {
		candidates = append(candidates, scheduler.FromEventSource(s, zones(ctx, s.CityID)))
	}
	return d.queueDue(ctx, candidates, queue.EventRun), nil
}

// cityZones returns a memoized lookup of city timezones.
func (d *Dispatcher) cityZones() func(ctx context.Context, cityID int64) string {
	cache := make(map[int64]string)
	return func(ctx context.Context, cityID int64) string {
		if tz, ok := cache[cityID]; ok {
			return tz
		}
		tz := models.DefaultTimezone
		city, err := d.Store.GetCity(ctx, cityID)
		if err != nil {
			d.logger.Warn("failed to load city timezone", "city_id", cityID, "error", err)
		} else if city != nil && city.Timezone != "" {
			tz = city.Timezone
		}
		cache[cityID] = tz
		return tz
	}
}

// queueDue creates a queued run per due source and enqueues its task. A
// source with an active run, or whose enqueue fails, is counted as skipped.
func (d *Dispatcher) queueDue(ctx context.Context, candidates []scheduler.Source, task func(int64, *int64) queue.Task) scheduler.DueReport {
	due := scheduler.DueSources(d.now(), candidates)
	report := scheduler.DueReport{Due: len(due), Queued: []int64{}}

	for _, s := range due {
		logger := d.logger.With("source_id", s.ID, "kind", string(s.Kind))

		active, err := d.Store.ActiveRun(ctx, s.Kind, s.ID)
		if err != nil {
			logger.Error("failed to check active run", "error", err)
			report.Skipped++
			continue
		}
		if active != nil {
			logger.Debug("source already has an active run", "run_id", active.ID)
			report.Skipped++
			continue
		}

		run, err := d.createQueuedRun(ctx, s)
		if err != nil {
			logger.Error("failed to create queued run", "error", err)
			report.Skipped++
			continue
		}
		if err := d.Tasks.Enqueue(ctx, task(s.ID, &run.ID)); err != nil {
			logger.Error("failed to enqueue run", "run_id", run.ID, "error", err)
			run.Fail(d.now().UTC(), "enqueue failed: "+err.Error())
			if uerr := d.Store.UpdateRun(context.WithoutCancel(ctx), run); uerr != nil {
				logger.Error("failed to record enqueue failure", "run_id", run.ID, "error", uerr)
			}
			report.Skipped++
			continue
		}
		report.Queued = append(report.Queued, run.ID)
		logger.Info("run queued", "run_id", run.ID, "correlation_id", run.Meta.CorrelationID)
	}
	return report
}

func (d *Dispatcher) createQueuedRun(ctx context.Context, s scheduler.Source) (*models.Run, error) {
	cityID, err := d.sourceCity(ctx, s)
	if err != nil {
		return nil, err
	}
	run := &models.Run{
		Kind:     s.Kind,
		SourceID: s.ID,
		CityID:   cityID,
		Status:   models.RunStatusQueued,
		Meta:     models.RunMeta{CorrelationID: uuid.NewString()},
	}
	if err := d.Store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (d *Dispatcher) sourceCity(ctx context.Context, s scheduler.Source) (int64, error) {
	if s.Kind == models.RunKindEvent {
		src, err := d.Store.GetEventSource(ctx, s.ID)
		if err != nil {
			return 0, err
		}
		if src == nil {
			return 0, fmt.Errorf("%w: event source %d", orchestrator.ErrSourceNotFound, s.ID)
		}
		return src.CityID, nil
	}
	src, err := d.Store.GetScrapeSource(ctx, s.ID)
	if err != nil {
		return 0, err
	}
	if src == nil {
		return 0, fmt.Errorf("%w: scrape source %d", orchestrator.ErrSourceNotFound, s.ID)
	}
	return src.CityID, nil
}

// DispatchEnrichment queues analysis of an article.
func (d *Dispatcher) DispatchEnrichment(ctx context.Context, articleID int64) (bool, error) {
	if d.Enrichment == nil {
		return false, nil
	}
	return d.Enrichment.DispatchEnrichment(ctx, articleID)
}

// DispatchProjections rebuilds projections for every llm_done analysis that
// matches filter and returns how many were rebuilt. Without a limit the
// whole set is walked in keyset batches.
func (d *Dispatcher) DispatchProjections(ctx context.Context, filter store.ProjectionFilter) (int, error) {
	var rebuilt atomic.Int64
	limit := filter.Limit

	for {
		batch := filter
		batch.Limit = d.cfg.ProjectionBatchSize
		if limit > 0 && limit < batch.Limit {
			batch.Limit = limit
		}
		ids, err := d.Store.ListLLMDone(ctx, batch)
		if err != nil {
			return int(rebuilt.Load()), fmt.Errorf("list analyses: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.ProjectionConcurrency)
		for _, id := range ids {
			g.Go(func() error {
				ok, err := d.Projections.Rebuild(gctx, id)
				if err != nil {
					return fmt.Errorf("rebuild article %d: %w", id, err)
				}
				if ok {
					rebuilt.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(rebuilt.Load()), err
		}

		if limit > 0 {
			limit -= len(ids)
			if limit <= 0 {
				break
			}
		}
		if len(ids) < batch.Limit {
			break
		}
		filter.AfterID = ids[len(ids)-1]
	}

	n := int(rebuilt.Load())
	d.logger.Info("projections rebuilt", "count", n)
	return n, nil
}

// QueueProjections enqueues a rebuild_projections task for later execution.
func (d *Dispatcher) QueueProjections(ctx context.Context, filter store.ProjectionFilter) error {
	task := queue.NewTask(queue.TaskRebuildProjections)
	if filter.ArticleID != nil {
		task.ArticleID = *filter.ArticleID
	}
	if filter.CityID != nil {
		task.CityID = *filter.CityID
	}
	if err := d.Tasks.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue projection rebuild: %w", err)
	}
	return nil
}

// GetRun returns a run by id, or nil when it does not exist.
func (d *Dispatcher) GetRun(ctx context.Context, id int64) (*models.Run, error) {
	return d.Store.GetRun(ctx, id)
}
