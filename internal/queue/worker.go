package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler executes one task.
type Handler func(ctx context.Context, task Task) error

// FailureFunc is called once a task has exhausted its tries.
type FailureFunc func(ctx context.Context, task Task, err error)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker does not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// WorkerConfig bounds job execution.
type WorkerConfig struct {
	Concurrency int
	JobTimeout  time.Duration // backstop above the sum of step timeouts
	Tries       int           // total attempts per task
}

// DefaultWorkerConfig returns conservative defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Concurrency: 4, JobTimeout: 10 * time.Minute, Tries: 3}
}

// Worker pulls tasks from a queue and runs the registered handler.
type Worker struct {
	queue     Queue
	cfg       WorkerConfig
	handlers  map[TaskType]Handler
	onFailure FailureFunc
	logger    *slog.Logger
}

// NewWorker creates a worker. Register handlers before calling Run.
func NewWorker(q Queue, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Tries <= 0 {
		cfg.Tries = 1
	}
	return &Worker{
		queue:    q,
		cfg:      cfg,
		handlers: make(map[TaskType]Handler),
		logger:   logger.With("component", "worker"),
	}
}

// Handle registers the handler of a task type.
func (w *Worker) Handle(typ TaskType, h Handler) {
	w.handlers[typ] = h
}

// OnFailure sets the function called when a task gives up.
func (w *Worker) OnFailure(f FailureFunc) {
	w.onFailure = f
}

// Run processes tasks with the configured concurrency until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency, "tries", w.cfg.Tries)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(ctx)
		})
	}
	err := g.Wait()

	w.logger.Info("worker stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		d, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrClosed) {
				return err
			}
			w.logger.Error("failed to receive task", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if d == nil {
			continue
		}
		w.Process(ctx, d)
	}
}

// Process runs one delivery to completion: success, redelivery, or failure.
func (w *Worker) Process(ctx context.Context, d *Delivery) {
	task := d.Task
	logger := w.logger.With("task_id", task.ID, "task_type", string(task.Type), "attempt", task.Attempt+1)

	start := time.Now()
	err := w.execute(ctx, task)
	if err == nil {
		logger.Debug("task completed", "duration_ms", time.Since(start).Milliseconds())
		w.ack(ctx, d, logger)
		return
	}

	var perm *PermanentError
	if !errors.As(err, &perm) && task.Attempt+1 < w.cfg.Tries {
		retry := task
		retry.Attempt++
		retry.EnqueuedAt = time.Now().UTC()
		if qerr := w.queue.Enqueue(ctx, retry); qerr != nil {
			// Leave the delivery unacknowledged so the backend redelivers it.
			logger.Error("failed to re-enqueue task", "error", qerr, "cause", err)
			return
		}
		logger.Warn("task failed, retrying", "error", err)
		w.ack(ctx, d, logger)
		return
	}

	logger.Error("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	if w.onFailure != nil {
		w.onFailure(ctx, task, err)
	}
	w.ack(ctx, d, logger)
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	h, ok := w.handlers[task.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler for task type %q", task.Type))
	}

	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return h(ctx, task)
}

func (w *Worker) ack(ctx context.Context, d *Delivery, logger *slog.Logger) {
	if err := w.queue.Ack(ctx, d); err != nil {
		logger.Error("failed to acknowledge task", "error", err)
	}
}
