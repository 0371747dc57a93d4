package models

import (
	"time"
)

// RunKind distinguishes scrape runs from event-ingestion runs.
type RunKind string

const (
	RunKindScrape RunKind = "scrape"
	RunKindEvent  RunKind = "event"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
	RunStatusEmpty   RunStatus = "empty" // zero items found, not an error
)

// IsActive reports whether the status blocks another run for the same source.
func (s RunStatus) IsActive() bool {
	return s == RunStatusQueued || s == RunStatusRunning
}

// Run is one execution attempt against a source.
type Run struct {
	ID           int64      `json:"id"`
	Kind         RunKind    `json:"kind"`
	SourceID     int64      `json:"source_id"`
	CityID       int64      `json:"city_id"`
	Status       RunStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"` // terminal once set
	ItemsFound   int        `json:"items_found"`
	ItemsCreated int        `json:"items_created"`
	ItemsUpdated int        `json:"items_updated"`
	ItemsWritten int        `json:"items_written"` // event runs only
	ErrorMessage string     `json:"error_message,omitempty"`
	Meta         RunMeta    `json:"meta"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RunMeta is the free-form diagnostic document stored with each run.
type RunMeta struct {
	Adapter           string         `json:"adapter,omitempty"`
	SkippedItems      int            `json:"skipped_items"`
	SkipReasons       map[string]int `json:"skip_reasons,omitempty"`
	ExceptionClass    string         `json:"exception_class,omitempty"`
	CorrelationID     string         `json:"correlation_id,omitempty"`
	DurationMS        int64          `json:"duration_ms,omitempty"`
	ExtractionsQueued int            `json:"extractions_queued,omitempty"`
	EnrichmentsQueued int            `json:"enrichments_queued,omitempty"`
}

// Skip counts a per-item validation skip under the given reason.
func (m *RunMeta) Skip(reason string) {
	m.SkippedItems++
	if m.SkipReasons == nil {
		m.SkipReasons = make(map[string]int)
	}
	m.SkipReasons[reason]++
}

// IsTerminal reports whether the run has finished.
func (r *Run) IsTerminal() bool {
	return r.FinishedAt != nil
}

// Written returns the number of rows the run created or updated.
func (r *Run) Written() int {
	if r.Kind == RunKindEvent {
		return r.ItemsWritten
	}
	return r.ItemsCreated + r.ItemsUpdated
}

// Finish stamps the run terminal and derives its final status from the counters.
// A run already marked failed stays failed.
func (r *Run) Finish(now time.Time) {
	r.FinishedAt = &now
	if r.StartedAt != nil {
		r.Meta.DurationMS = now.Sub(*r.StartedAt).Milliseconds()
	}

	switch {
	case r.Status == RunStatusFailed:
	case r.Written() > 0:
		r.Status = RunStatusSuccess
	case r.ItemsFound == 0:
		r.Status = RunStatusEmpty
	default:
		r.Status = RunStatusFailed
		if r.ErrorMessage == "" {
			r.ErrorMessage = "no items written"
		}
	}
}

// Fail marks the run failed with the given message.
func (r *Run) Fail(now time.Time, msg string) {
	r.Status = RunStatusFailed
	r.ErrorMessage = msg
	r.Finish(now)
}
