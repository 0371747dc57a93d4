package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/civicwire/civicwire/internal/store"
)

// FailureHandler records job failures that escaped an orchestrator so a run
// never stays queued or running after its worker gave up.
type FailureHandler struct {
	runs   store.RunStore
	logger *slog.Logger
	now    func() time.Time
}

// NewFailureHandler creates a failure handler.
func NewFailureHandler(runs store.RunStore, logger *slog.Logger) *FailureHandler {
	return &FailureHandler{runs: runs, logger: logger.With("component", "failure_handler"), now: time.Now}
}

// FailRun marks the run failed and returns the correlation id written to its
// metadata. Runs that already finished are left untouched.
func (h *FailureHandler) FailRun(ctx context.Context, runID int64, cause error) (string, error) {
	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run %d: %w", runID, err)
	}
	if run == nil {
		return "", ErrRunNotFound
	}
	if run.IsTerminal() {
		return run.Meta.CorrelationID, nil
	}

	correlationID := uuid.NewString()
	run.Meta.ExceptionClass = exceptionClass(cause)
	run.Meta.CorrelationID = correlationID
	msg := "job failed"
	if cause != nil {
		msg = cause.Error()
	}
	run.Fail(h.now().UTC(), msg)

	if err := h.runs.UpdateRun(ctx, run); err != nil {
		return "", fmt.Errorf("record run failure: %w", err)
	}
	h.logger.Error("run failed",
		"run_id", runID,
		"source_id", run.SourceID,
		"kind", string(run.Kind),
		"exception_class", run.Meta.ExceptionClass,
		"correlation_id", correlationID,
		"error", msg,
	)
	return correlationID, nil
}

// exceptionClass names the innermost error type.
func exceptionClass(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
