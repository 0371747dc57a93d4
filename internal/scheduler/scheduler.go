package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// DueReport summarizes one due-source sweep.
type DueReport struct {
	Due     int     `json:"due"`
	Queued  []int64 `json:"queued_run_ids"`
	Skipped int     `json:"skipped"`
}

// Runner queues the sources that are due. The dispatcher implements it.
type Runner interface {
	RunDueScrapers(ctx context.Context) (DueReport, error)
	RunDueEventSources(ctx context.Context) (DueReport, error)
}

// Scheduler manages periodic due-source sweeps.
type Scheduler struct {
	runner        Runner
	logger        *slog.Logger
	stopChan      chan struct{}
	checkInterval time.Duration
}

// NewScheduler creates a scheduler that sweeps every interval. A
// non-positive interval means one minute.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		runner:        runner,
		logger:        logger.With("component", "scheduler"),
		stopChan:      make(chan struct{}),
		checkInterval: interval,
	}
}

// Start begins the scheduler loop and blocks until Stop or ctx cancellation.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("Starting source scheduler", "check_interval", s.checkInterval)
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stopChan:
			s.logger.Info("Source scheduler stopped")
			return
		case <-ctx.Done():
			s.logger.Info("Source scheduler stopping due to context cancellation")
			return
		}
	}
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// sweep queues due scrapers and event sources. Errors are logged and the
// next tick tries again.
func (s *Scheduler) sweep(ctx context.Context) {
	scrapes, err := s.runner.RunDueScrapers(ctx)
	if err != nil {
		s.logger.Error("Failed to queue due scrapers", "error", err)
	} else if scrapes.Due > 0 {
		s.logger.Info("Queued due scrapers",
			"due", scrapes.Due,
			"queued", len(scrapes.Queued),
			"skipped", scrapes.Skipped)
	}

	events, err := s.runner.RunDueEventSources(ctx)
	if err != nil {
		s.logger.Error("Failed to queue due event sources", "error", err)
	} else if events.Due > 0 {
		s.logger.Info("Queued due event sources",
			"due", events.Due,
			"queued", len(events.Queued),
			"skipped", events.Skipped)
	}
}
