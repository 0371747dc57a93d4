// Package queue carries pipeline jobs between the trigger surface and the
// workers. Delivery is at-least-once: handlers must be idempotent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType names the job a task runs.
type TaskType string

const (
	TaskScrapeRun          TaskType = "scrape_run"
	TaskEventRun           TaskType = "event_run"
	TaskExtractArticle     TaskType = "extract_article"
	TaskEnrichArticle      TaskType = "enrich_article"
	TaskRebuildProjections TaskType = "rebuild_projections"
)

// ErrClosed is returned by Receive after the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Task is the typed payload of a job.
type Task struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	SourceID   int64     `json:"source_id,omitempty"`
	RunID      *int64    `json:"run_id,omitempty"`
	ArticleID  int64     `json:"article_id,omitempty"`
	CityID     int64     `json:"city_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// NewTask stamps a task with an id and enqueue time.
func NewTask(typ TaskType) Task {
	return Task{ID: uuid.NewString(), Type: typ, EnqueuedAt: time.Now().UTC()}
}

// ScrapeRun builds a scrape_run task.
func ScrapeRun(sourceID int64, runID *int64) Task {
	t := NewTask(TaskScrapeRun)
	t.SourceID, t.RunID = sourceID, runID
	return t
}

// EventRun builds an event_run task.
func EventRun(sourceID int64, runID *int64) Task {
	t := NewTask(TaskEventRun)
	t.SourceID, t.RunID = sourceID, runID
	return t
}

// ArticleTask builds a task bound to one article.
func ArticleTask(typ TaskType, articleID int64) Task {
	t := NewTask(typ)
	t.ArticleID = articleID
	return t
}

func (t Task) String() string {
	switch t.Type {
	case TaskScrapeRun, TaskEventRun:
		return fmt.Sprintf("%s(source=%d)", t.Type, t.SourceID)
	default:
		return fmt.Sprintf("%s(article=%d)", t.Type, t.ArticleID)
	}
}

// Enqueuer accepts tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Delivery is a received task awaiting acknowledgement.
type Delivery struct {
	Task Task
	ref  string
}

// Queue is a task queue with explicit acknowledgement. Unacknowledged
// deliveries are redelivered.
type Queue interface {
	Enqueuer
	// Receive blocks until a task is available. It returns (nil, nil) when
	// the backend's poll window elapses without a task.
	Receive(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
}
