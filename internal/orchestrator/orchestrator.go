// Package orchestrator executes scrape and event-ingestion runs: it resolves
// the adapter of a source, fetches, and upserts every item idempotently by
// its natural key.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/store"
)

var (
	ErrSourceNotFound = errors.New("source not found")
	ErrRunNotFound    = errors.New("run not found")
	ErrRunMismatch    = errors.New("run belongs to another source")
)

// Store is the persistence the orchestrators need.
type Store interface {
	store.SourceStore
	store.RunStore
	store.ArticleStore
	store.EventStore
	store.SlugStore
}

// EnrichmentDispatcher queues analysis of an article.
type EnrichmentDispatcher interface {
	DispatchEnrichment(ctx context.Context, articleID int64) (bool, error)
}

// Reindexer refreshes the search document of an article.
type Reindexer interface {
	ReindexQuietly(ctx context.Context, articleID int64)
}

// RunResult is the outcome of a run as reported to callers.
type RunResult struct {
	RunID        int64            `json:"run_id"`
	SourceID     int64            `json:"source_id"`
	Status       models.RunStatus `json:"status"`
	ItemsFound   int              `json:"items_found"`
	ItemsCreated int              `json:"items_created"`
	ItemsUpdated int              `json:"items_updated"`
	ItemsWritten int              `json:"items_written,omitempty"`
	SkippedItems int              `json:"skipped_items"`
	Error        string           `json:"error,omitempty"`
}

func resultOf(run *models.Run) RunResult {
	return RunResult{
		RunID:        run.ID,
		SourceID:     run.SourceID,
		Status:       run.Status,
		ItemsFound:   run.ItemsFound,
		ItemsCreated: run.ItemsCreated,
		ItemsUpdated: run.ItemsUpdated,
		ItemsWritten: run.ItemsWritten,
		SkippedItems: run.Meta.SkippedItems,
		Error:        run.ErrorMessage,
	}
}

// startRun adopts the given run or creates a new one, and moves it to running.
// Adopting a run resets its counters: a retried job re-executes from the start.
// A finished run is returned as is with started=false.
func startRun(ctx context.Context, runs store.RunStore, kind models.RunKind, sourceID, cityID int64, runID *int64, now time.Time) (run *models.Run, started bool, err error) {
	if runID == nil {
		run = &models.Run{
			Kind:      kind,
			SourceID:  sourceID,
			CityID:    cityID,
			Status:    models.RunStatusRunning,
			StartedAt: &now,
		}
		if err := runs.CreateRun(ctx, run); err != nil {
			return nil, false, fmt.Errorf("create run: %w", err)
		}
		return run, true, nil
	}

	run, err = runs.GetRun(ctx, *runID)
	if err != nil {
		return nil, false, fmt.Errorf("load run %d: %w", *runID, err)
	}
	if run == nil {
		return nil, false, fmt.Errorf("%w: %d", ErrRunNotFound, *runID)
	}
	if run.SourceID != sourceID || run.Kind != kind {
		return nil, false, fmt.Errorf("%w: run %d", ErrRunMismatch, *runID)
	}
	if run.IsTerminal() {
		return run, false, nil
	}

	correlationID := run.Meta.CorrelationID
	*run = models.Run{
		ID:        run.ID,
		Kind:      kind,
		SourceID:  sourceID,
		CityID:    cityID,
		Status:    models.RunStatusRunning,
		StartedAt: &now,
		CreatedAt: run.CreatedAt,
		Meta:      models.RunMeta{CorrelationID: correlationID},
	}
	if err := runs.UpdateRun(ctx, run); err != nil {
		return nil, false, fmt.Errorf("start run %d: %w", run.ID, err)
	}
	return run, true, nil
}

// upsertOutcome reports what an item upsert did.
type upsertOutcome int

const (
	outcomeCreated upsertOutcome = iota + 1
	outcomeUpdated
)

func (o upsertOutcome) count(run *models.Run) {
	switch o {
	case outcomeCreated:
		run.ItemsCreated++
	case outcomeUpdated:
		run.ItemsUpdated++
	}
}
