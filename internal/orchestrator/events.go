package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/civicwire/civicwire/internal/ingestion"
	"github.com/civicwire/civicwire/internal/metrics"
	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
	"github.com/civicwire/civicwire/internal/store"
)

// EventOrchestrator runs calendar event sources.
type EventOrchestrator struct {
	store    Store
	registry *ingestion.Registry
	slugs    *SlugAllocator
	metrics  *metrics.PipelineCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewEventOrchestrator creates an event orchestrator. collector may be nil.
func NewEventOrchestrator(st Store, registry *ingestion.Registry, collector *metrics.PipelineCollector, logger *slog.Logger) *EventOrchestrator {
	return &EventOrchestrator{
		store:    st,
		registry: registry,
		slugs:    NewSlugAllocator(st),
		metrics:  collector,
		logger:   logger.With("component", "event_orchestrator"),
		now:      time.Now,
	}
}

// Run executes one ingestion of the event source. runID adopts a pre-created run.
func (o *EventOrchestrator) Run(ctx context.Context, sourceID int64, runID *int64) (RunResult, error) {
	src, err := o.store.GetEventSource(ctx, sourceID)
	if err != nil {
		return RunResult{}, fmt.Errorf("load event source: %w", err)
	}
	if src == nil {
		return RunResult{}, fmt.Errorf("%w: event source %d", ErrSourceNotFound, sourceID)
	}

	run, started, err := startRun(ctx, o.store, models.RunKindEvent, src.ID, src.CityID, runID, o.now().UTC())
	if err != nil {
		return RunResult{}, err
	}
	if !started {
		return resultOf(run), nil
	}

	logger := o.logger.With("source_id", src.ID, "run_id", run.ID)
	logger.Info("event run started", "source", src.Name, "type", string(src.SourceType))

	items, err := o.fetch(ctx, src, run)
	if err != nil {
		logger.Warn("event adapter failed", "adapter", run.Meta.Adapter, "error", err)
		run.Fail(o.now().UTC(), err.Error())
		return o.complete(ctx, src, run, logger)
	}

	run.ItemsFound = len(items)
	for _, item := range items {
		outcome, err := o.upsert(ctx, src, run, item)
		if err != nil {
			return resultOf(run), fmt.Errorf("upsert event %q: %w", item.Title, err)
		}
		outcome.count(run)
		if outcome != 0 {
			run.ItemsWritten++
		}
	}

	run.Finish(o.now().UTC())
	return o.complete(ctx, src, run, logger)
}

func (o *EventOrchestrator) fetch(ctx context.Context, src *models.EventSource, run *models.Run) ([]ingestion.CanonicalItem, error) {
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
		profile = string(src.SourceType)
	}
	adapter := o.registry.Resolve(profile)
	run.Meta.Adapter = adapter.Name()

	ref := ingestion.SourceRef{ID: src.ID, CityID: src.CityID, Name: src.Name, Type: src.SourceType, URL: src.SourceURL}
	return adapter.FetchAndMap(ctx, ref, src.Config, loc)
}

func (o *EventOrchestrator) complete(ctx context.Context, src *models.EventSource, run *models.Run, logger *slog.Logger) (RunResult, error) {
	if err := o.store.UpdateRun(ctx, run); err != nil {
		return resultOf(run), fmt.Errorf("finish run: %w", err)
	}
	if err := o.store.TouchEventSource(ctx, src.ID, *run.FinishedAt); err != nil {
		return resultOf(run), fmt.Errorf("touch event source: %w", err)
	}
	o.metrics.ObserveRun(string(run.Kind), string(run.Status), run.ItemsCreated, run.ItemsUpdated, run.Meta.SkippedItems)

	logger.Info("event run finished",
		"status", string(run.Status),
		"items_found", run.ItemsFound,
		"items_written", run.ItemsWritten,
		"skipped_items", run.Meta.SkippedItems,
		"duration_ms", run.Meta.DurationMS,
	)
	return resultOf(run), nil
}

// upsert writes one event by its (city, source hash) key and records the raw item.
// Items without a title or a resolvable start are skipped, never stored undated.
func (o *EventOrchestrator) upsert(ctx context.Context, src *models.EventSource, run *models.Run, item ingestion.CanonicalItem) (upsertOutcome, error) {
	title := normalize.CollapseWhitespace(item.Title)
	if title == "" {
		run.Meta.Skip("missing_title")
		return 0, nil
	}
	if item.StartsAt == nil {
		run.Meta.Skip("missing_start")
		return 0, nil
	}
	item.Title = title

	eventURL := ""
	if item.URL != "" {
		if canonical, err := normalize.CanonicalURL(item.URL); err == nil {
			eventURL = canonical
		}
	}
	hash := ingestion.EventSourceHash(item, src.SourceURL)

	incoming := models.Event{
		CityID:        src.CityID,
		EventSourceID: src.ID,
		Title:         title,
		StartsAt:      item.StartsAt.UTC(),
		AllDay:        item.AllDay,
		LocationName:  normalize.CollapseWhitespace(item.LocationName),
		Description:   item.Description,
		EventURL:      eventURL,
		SourceHash:    hash,
	}
	if item.EndsAt != nil {
		end := item.EndsAt.UTC()
		incoming.EndsAt = &end
	}

	event, err := o.store.FindEventByHash(ctx, src.CityID, hash)
	if err != nil {
		return 0, err
	}

	outcome := outcomeUpdated
	if event == nil {
		created := incoming
		err = o.slugs.Insert(ctx, store.SlugEvent, src.CityID, title, hash, func(slug string) error {
			created.Slug = slug
			return o.store.CreateEvent(ctx, &created)
		})
		switch {
		case err == nil:
			event, outcome = &created, outcomeCreated
		case errors.Is(err, store.ErrDuplicate):
			existing, ferr := o.store.FindEventByHash(ctx, src.CityID, hash)
			if ferr != nil {
				return 0, fmt.Errorf("re-read duplicate event: %w", ferr)
			}
			if existing == nil {
				return 0, fmt.Errorf("duplicate event %s missing on re-read: %w", hash, store.ErrDuplicate)
			}
			event = existing
		default:
			return 0, err
		}
	}

	if outcome == outcomeUpdated && !event.SameContent(&incoming) {
		updated := incoming
		updated.ID, updated.Slug, updated.CreatedAt = event.ID, event.Slug, event.CreatedAt
		if err := o.store.UpdateEvent(ctx, &updated); err != nil {
			return 0, err
		}
		event = &updated
	}

	payload, err := rawPayload(item)
	if err != nil {
		return 0, err
	}
	eventID := event.ID
	if err := o.store.UpsertEventSourceItem(ctx, &models.EventSourceItem{
		EventSourceID: src.ID,
		EventID:       &eventID,
		ExternalID:    ingestion.ExternalIDFor(item, src.SourceURL),
		Payload:       payload,
		FetchedAt:     o.now().UTC(),
	}); err != nil {
		return 0, err
	}
	return outcome, nil
}

// rawPayload keeps the adapter's raw fields, or the canonical item when the
// adapter supplied none.
func rawPayload(item ingestion.CanonicalItem) (json.RawMessage, error) {
	var v any = item.Raw
	if len(item.Raw) == 0 {
		v = item
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal raw payload: %w", err)
	}
	return b, nil
}
