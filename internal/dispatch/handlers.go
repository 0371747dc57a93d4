package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/civicwire/civicwire/internal/enrichment"
	"github.com/civicwire/civicwire/internal/extraction"
	"github.com/civicwire/civicwire/internal/orchestrator"
	"github.com/civicwire/civicwire/internal/queue"
	"github.com/civicwire/civicwire/internal/store"
)

// Register binds every task type to its executor and routes exhausted run
// tasks to the failure handler.
func (d *Dispatcher) Register(w *queue.Worker) {
	w.Handle(queue.TaskScrapeRun, d.handleScrapeRun)
	w.Handle(queue.TaskEventRun, d.handleEventRun)
	w.Handle(queue.TaskExtractArticle, d.handleExtract)
	w.Handle(queue.TaskEnrichArticle, d.handleEnrich)
	w.Handle(queue.TaskRebuildProjections, d.handleProjections)
	w.OnFailure(d.onTaskFailure)
}

func (d *Dispatcher) handleScrapeRun(ctx context.Context, task queue.Task) error {
	res, err := d.Scrapes.Run(ctx, task.SourceID, task.RunID)
	if err != nil {
		return classifyRunError(err)
	}
	d.logger.Info("scrape task finished",
		"source_id", task.SourceID,
		"run_id", res.RunID,
		"status", string(res.Status),
		"items_created", res.ItemsCreated,
		"items_updated", res.ItemsUpdated)
	return nil
}

func (d *Dispatcher) handleEventRun(ctx context.Context, task queue.Task) error {
	res, err := d.Events.Run(ctx, task.SourceID, task.RunID)
	if err != nil {
		return classifyRunError(err)
	}
	d.logger.Info("event task finished",
		"source_id", task.SourceID,
		"run_id", res.RunID,
		"status", string(res.Status),
		"items_written", res.ItemsWritten)
	return nil
}

// classifyRunError marks errors that a retry cannot fix as permanent.
func classifyRunError(err error) error {
	if errors.Is(err, orchestrator.ErrSourceNotFound) ||
		errors.Is(err, orchestrator.ErrRunNotFound) ||
		errors.Is(err, orchestrator.ErrRunMismatch) {
		return queue.Permanent(err)
	}
	return err
}

func (d *Dispatcher) handleExtract(ctx context.Context, task queue.Task) error {
	_, err := d.Extractor.Extract(ctx, task.ArticleID)
	if errors.Is(err, extraction.ErrArticleNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func (d *Dispatcher) handleEnrich(ctx context.Context, task queue.Task) error {
	_, err := d.Enricher.Enrich(ctx, task.ArticleID)
	if errors.Is(err, enrichment.ErrArticleNotFound) {
		return queue.Permanent(err)
	}
	return err
}

func (d *Dispatcher) handleProjections(ctx context.Context, task queue.Task) error {
	var filter store.ProjectionFilter
	if task.ArticleID != 0 {
		id := task.ArticleID
		filter.ArticleID = &id
	}
	if task.CityID != 0 {
		city := task.CityID
		filter.CityID = &city
	}
	_, err := d.DispatchProjections(ctx, filter)
	return err
}

// onTaskFailure finishes the run of an exhausted run task. Article tasks
// already recorded their failure on the body or analysis row.
func (d *Dispatcher) onTaskFailure(ctx context.Context, task queue.Task, err error) {
	switch task.Type {
	case queue.TaskScrapeRun, queue.TaskEventRun:
	default:
		return
	}
	if task.RunID == nil {
		d.logger.Error("run task gave up without a run id", "task", task.String(), "error", err)
		return
	}
	if d.Failures == nil {
		return
	}
	if _, ferr := d.Failures.FailRun(context.WithoutCancel(ctx), *task.RunID, fmt.Errorf("%s: %w", task.Type, err)); ferr != nil {
		d.logger.Error("failed to record run failure", "run_id", *task.RunID, "error", ferr)
	}
}
