package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/ingestion"
	"github.com/civicwire/civicwire/internal/metrics"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
	"github.com/civicwire/civicwire/internal/queue"
	"github.com/civicwire/civicwire/internal/store"
)

const summaryLength = 280

// ScrapeOrchestrator runs article scrapers.
type ScrapeOrchestrator struct {
	store    Store
	registry *ingestion.Registry
	slugs    *SlugAllocator
	tasks    queue.Enqueuer
	enrich   EnrichmentDispatcher
	reindex  Reindexer
	metrics  *metrics.PipelineCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewScrapeOrchestrator creates a scrape orchestrator. reindex and collector may be nil.
func NewScrapeOrchestrator(
	st Store,
	registry *ingestion.Registry,
	tasks queue.Enqueuer,
	enrich EnrichmentDispatcher,
	reindex Reindexer,
	collector *metrics.PipelineCollector,
	logger *slog.Logger,
) *ScrapeOrchestrator {
	return &ScrapeOrchestrator{
		store:    st,
		registry: registry,
		slugs:    NewSlugAllocator(st),
		tasks:    tasks,
		enrich:   enrich,
		reindex:  reindex,
		metrics:  collector,
		logger:   logger.With("component", "scrape_orchestrator"),
		now:      time.Now,
	}
}

// Run executes one scrape of the source. runID adopts a pre-created run.
// Adapter failures finish the run as failed and are reported in the result;
// the returned error is reserved for missing sources and persistence failures.
func (o *ScrapeOrchestrator) Run(ctx context.Context, sourceID int64, runID *int64) (RunResult, error) {
	src, err := o.store.GetScrapeSource(ctx, sourceID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load scrape source: %w", err)
	}
	if src == nil {
		return RunResult{}, fmt.Errorf("%w: scrape source %d", ErrSourceNotFound, sourceID)
	}

	run, started, err := startRun(ctx, o.store, models.RunKindScrape, src.ID, src.CityID, runID, o.now().UTC())
	if err != nil {
		return RunResult{}, err
	}
	if !started {
		return resultOf(run), nil
	}

	logger := o.logger.With("source_id", src.ID, "run_id", run.ID)
	logger.Info("scrape run started", "source", src.Slug, "type", string(src.Type))

	o.ensureOrganization(ctx, src, logger)

	items, err := o.fetch(ctx, src, run)
	if err != nil {
		logger.Warn("scrape adapter failed", "adapter", run.Meta.Adapter, "error", err)
		run.Fail(o.now().UTC(), err.Error())
		return o.complete(ctx, src, run, logger)
	}

	run.ItemsFound = len(items)
	for _, item := range items {
		outcome, err := o.upsert(ctx, src, run, item)
		if err != nil {
			return resultOf(run), fmt.Errorf("upsert %q: %w", item.URL, err)
		}
		outcome.count(run)
	}

	run.Finish(o.now().UTC())
	return o.complete(ctx, src, run, logger)
}

func (o *ScrapeOrchestrator) fetch(ctx context.Context, src *models.ScrapeSource, run *models.Run) ([]ingestion.CanonicalItem, error) {
	city, err := o.store.GetCity(ctx, src.CityID)
	if err != nil {
		return nil, err
	}
	fallback := models.DefaultTimezone
	if city != nil && city.Timezone != "" {
		fallback = city.Timezone
	}
	loc, err := src.Config.TimeLocation(fallback)
	if err != nil {
		return nil, err
	}

	profile := src.Config.Profile
	if profile == "" {
		profile = string(src.Type)
	}
	adapter := o.registry.Resolve(profile)
	run.Meta.Adapter = adapter.Name()

	ref := ingestion.SourceRef{ID: src.ID, CityID: src.CityID, Name: src.Name, Type: src.Type, URL: src.SourceURL}
	return adapter.FetchAndMap(ctx, ref, src.Config, loc)
}

func (o *ScrapeOrchestrator) complete(ctx context.Context, src *models.ScrapeSource, run *models.Run, logger *slog.Logger) (RunResult, error) {
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return resultOf(run), fmt.Errorf("finish run: %w", err)
	}
	if err := o.store.TouchScrapeSource(ctx, src.ID, *run.FinishedAt); err != nil {
		return resultOf(run), fmt.Errorf("touch scrape source: %w", err)
	}
	o.metrics.ObserveRun(string(run.Kind), string(run.Status), run.ItemsCreated, run.ItemsUpdated, run.Meta.SkippedItems)

	logger.Info("scrape run finished",
		"status", string(run.Status),
		"items_found", run.ItemsFound,
		"items_created", run.ItemsCreated,
		"items_updated", run.ItemsUpdated,
		"skipped_items", run.Meta.SkippedItems,
		"duration_ms", run.Meta.DurationMS,
	)
	return resultOf(run), nil
}

// upsert writes one item by its (city, canonical URL) key. Items failing
// validation are counted as skips and return a zero outcome.
func (o *ScrapeOrchestrator) upsert(ctx context.Context, src *models.ScrapeSource, run *models.Run, item ingestion.CanonicalItem) (upsertOutcome, error) {
	title := normalize.CollapseWhitespace(item.Title)
	if title == "" {
		run.Meta.Skip("missing_title")
		return 0, nil
	}
	canonical, err := normalize.CanonicalURL(item.URL)
	if err != nil {
		run.Meta.Skip("missing_url")
		return 0, nil
	}

	isPDF := item.IsPDF()
	text := ""
	contentType := models.ContentTypePDF
	if !isPDF {
		text = normalize.CleanText(item.Description)
		contentType = item.ContentType
		if contentType == "" || contentType == models.ContentTypePDF {
			contentType = models.ContentTypeText
		}
	}
	hash := ingestion.ContentHash(title, text)
	if isPDF {
		hash = ingestion.ContentHash(title, canonical)
	}

	article, err := o.store.FindArticleByURL(ctx, src.CityID, canonical)
	if err != nil {
		return 0, err
	}

	outcome := outcomeUpdated
	changed := true
	if article == nil {
		article = &models.Article{
			CityID:         src.CityID,
			ScrapeSourceID: src.ID,
			Title:          title,
			CanonicalURL:   canonical,
			ContentHash:    hash,
			Summary:        normalize.Excerpt(text, summaryLength),
			PublishedAt:    item.PublishedAt,
			Author:         item.Author,
			ContentType:    contentType,
		}
		err = o.slugs.Insert(ctx, store.SlugArticle, src.CityID, title, canonical, func(slug string) error {
			article.Slug = slug
			return o.store.CreateArticle(ctx, article)
		})
		switch {
		case err == nil:
			outcome = outcomeCreated
		case errors.Is(err, store.ErrDuplicate):
			// Lost a race with a concurrent run: the row exists now.
			existing, ferr := o.store.FindArticleByURL(ctx, src.CityID, canonical)
			if ferr != nil {
				return 0, fmt.Errorf("re-read duplicate article: %w", ferr)
			}
			if existing == nil {
				return 0, fmt.Errorf("duplicate article %s missing on re-read: %w", canonical, store.ErrDuplicate)
			}
			article = existing
		default:
			return 0, err
		}
	}

	if outcome == outcomeUpdated {
		changed = article.ContentHash != hash
		if changed {
			article.Title = title
			article.ContentHash = hash
			article.ContentType = contentType
			if text != "" {
				article.Summary = normalize.Excerpt(text, summaryLength)
			}
		}
		if item.PublishedAt != nil {
			article.PublishedAt = item.PublishedAt
		}
		if item.Author != "" {
			article.Author = item.Author
		}
		if err := o.store.UpdateArticle(ctx, article); err != nil {
			return 0, err
		}
	}

	now := o.now().UTC()
	if err := o.store.RecordArticleSource(ctx, models.ArticleSource{
		ArticleID:      article.ID,
		SourceURL:      canonical,
		ScrapeSourceID: src.ID,
		FirstSeenAt:    now,
		LastSeenAt:     now,
	}); err != nil {
		return 0, err
	}

	if err := o.afterWrite(ctx, run, article, isPDF, text, changed); err != nil {
		return 0, err
	}
	return outcome, nil
}

// afterWrite triggers body work: extraction for PDFs, a direct body write and
// enrichment for text items. Unchanged items with a body are left alone.
func (o *ScrapeOrchestrator) afterWrite(ctx context.Context, run *models.Run, article *models.Article, isPDF bool, text string, changed bool) error {
	body, err := o.store.GetBody(ctx, article.ID)
	if err != nil {
		return err
	}
	if !changed && body != nil && body.ExtractionStatus != models.ExtractionFailed {
		return nil
	}

	if isPDF {
		if err := o.tasks.Enqueue(ctx, queue.ArticleTask(queue.TaskExtractArticle, article.ID)); err != nil {
			return fmt.Errorf("enqueue extraction: %w", err)
		}
		run.Meta.ExtractionsQueued++
		return nil
	}

	now := o.now().UTC()
	if body == nil {
		body = &models.ArticleBody{ArticleID: article.ID}
	}
	body.RawText = text
	body.CleanedText = text
	body.ExtractionStatus = models.ExtractionSkipped
	body.ExtractionError = ""
	body.ExtractionMeta = models.ExtractionMeta{
		SourceURL:   article.CanonicalURL,
		ContentType: string(article.ContentType),
		Bytes:       len(text),
		Meaningful:  normalize.MeaningfulLength(text),
	}
	body.ExtractedAt = &now
	if err := o.store.SaveBody(ctx, body); err != nil {
		return fmt.Errorf("save body: %w", err)
	}

	if o.reindex != nil {
		o.reindex.ReindexQuietly(ctx, article.ID)
	}
	if strings.TrimSpace(text) == "" || o.enrich == nil {
		return nil
	}
	queued, err := o.enrich.DispatchEnrichment(ctx, article.ID)
	if err != nil {
		return fmt.Errorf("dispatch enrichment: %w", err)
	}
	if queued {
		run.Meta.EnrichmentsQueued++
	}
	return nil
}

// ensureOrganization links the source to its publishing organization, reusing
// an organization with the same external id. Failures only log.
func (o *ScrapeOrchestrator) ensureOrganization(ctx context.Context, src *models.ScrapeSource, logger *slog.Logger) {
	name := strings.TrimSpace(src.Config.Organization)
	if name == "" || src.OrganizationID != nil {
		return
	}
	externalID := src.Config.ExternalID
	if externalID == "" {
		externalID = "source:" + src.Slug
	}

	org, err := o.store.FindOrganization(ctx, src.CityID, externalID)
	if err == nil && org == nil {
		var slug string
		slug, err = o.slugs.Allocate(ctx, store.SlugOrganization, src.CityID, name, externalID)
		if err == nil {
			org = &models.Organization{CityID: src.CityID, Name: name, Slug: slug, ExternalID: externalID}
			err = o.store.SaveOrganization(ctx, org)
		}
	}
	if err == nil {
		err = o.store.SetScrapeSourceOrganization(ctx, src.ID, org.ID)
	}
	if err != nil {
		logger.Warn("failed to link organization", "organization", name, "error", err)
		return
	}
	src.OrganizationID = &org.ID
}
