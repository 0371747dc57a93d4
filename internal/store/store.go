// Package store declares the persistence contracts of the ingestion and
// analysis pipeline. Lookups return (nil, nil) when nothing matches.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/civicwire/civicwire/internal/models"
)

// ErrDuplicate is returned when an insert violates a natural-key constraint.
// Callers treat it as "already exists" and fall back to an update.
var ErrDuplicate = errors.New("duplicate key")

// ErrSlugTaken is returned when an insert loses its slug to a concurrent
// insert of a different entity. Callers allocate a fresh slug and retry.
var ErrSlugTaken = errors.New("slug taken")

// SourceStore reads source configuration and records run bookkeeping.
type SourceStore interface {
	GetCity(ctx context.Context, id int64) (*models.City, error)

	GetScrapeSource(ctx context.Context, id int64) (*models.ScrapeSource, error)
	GetScrapeSourceBySlug(ctx context.Context, slug string) (*models.ScrapeSource, error)
	ListScrapeSources(ctx context.Context, enabledOnly bool) ([]models.ScrapeSource, error)
	TouchScrapeSource(ctx context.Context, id int64, lastRunAt time.Time) error
	SetScrapeSourceOrganization(ctx context.Context, id, organizationID int64) error

	GetEventSource(ctx context.Context, id int64) (*models.EventSource, error)
	ListEventSources(ctx context.Context, activeOnly bool) ([]models.EventSource, error)
	TouchEventSource(ctx context.Context, id int64, lastRunAt time.Time) error
}

// RunStore persists scrape and event-ingestion runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id int64) (*models.Run, error)
	UpdateRun(ctx context.Context, run *models.Run) error
	// ActiveRun returns the queued or running run of a source, if any.
	ActiveRun(ctx context.Context, kind models.RunKind, sourceID int64) (*models.Run, error)
}

// ArticleStore persists articles, their bodies and provenance.
type ArticleStore interface {
	GetArticle(ctx context.Context, id int64) (*models.Article, error)
	FindArticleByURL(ctx context.Context, cityID int64, canonicalURL string) (*models.Article, error)
	// CreateArticle returns ErrDuplicate when (city_id, canonical_url) exists.
	CreateArticle(ctx context.Context, article *models.Article) error
	UpdateArticle(ctx context.Context, article *models.Article) error
	RecordArticleSource(ctx context.Context, src models.ArticleSource) error

	GetBody(ctx context.Context, articleID int64) (*models.ArticleBody, error)
	SaveBody(ctx context.Context, body *models.ArticleBody) error
}

// ProjectionFilter selects llm_done analyses for projection rebuilds.
type ProjectionFilter struct {
	CityID    *int64
	ArticleID *int64
	AfterID   int64 // keyset cursor
	Limit     int
}

// AnalysisStore persists the single analysis row of each article.
type AnalysisStore interface {
	GetAnalysis(ctx context.Context, articleID int64) (*models.ArticleAnalysis, error)
	SaveAnalysis(ctx context.Context, analysis *models.ArticleAnalysis) error
	// ListLLMDone returns article ids with an llm_done analysis, ascending.
	ListLLMDone(ctx context.Context, filter ProjectionFilter) ([]int64, error)
}

// FactStore persists claims, opportunities and civic actions.
type FactStore interface {
	// ReplaceFacts deletes every row of the article for source and inserts the new set atomically.
	ReplaceFacts(ctx context.Context, articleID int64, source models.FactSource, facts Facts) error
	ListFacts(ctx context.Context, articleID int64) (Facts, error)
}

// Facts groups the rows a scoring pass produces.
type Facts struct {
	Opportunities []models.ArticleOpportunity
	Claims        []models.Claim
	Actions       []models.CivicAction
}

// ProjectionStore persists display projections.
type ProjectionStore interface {
	SaveExplainer(ctx context.Context, explainer *models.ArticleExplainer) error
	GetExplainer(ctx context.Context, articleID int64) (*models.ArticleExplainer, error)
	ReplaceTimeline(ctx context.Context, articleID int64, items []models.ProcessTimelineItem) error
	ListTimeline(ctx context.Context, articleID int64) ([]models.ProcessTimelineItem, error)
}

// EventStore persists events and raw source items.
type EventStore interface {
	FindEventByHash(ctx context.Context, cityID int64, sourceHash string) (*models.Event, error)
	// CreateEvent returns ErrDuplicate when (city_id, source_hash) exists.
	CreateEvent(ctx context.Context, event *models.Event) error
	UpdateEvent(ctx context.Context, event *models.Event) error
	UpsertEventSourceItem(ctx context.Context, item *models.EventSourceItem) error
}

// SlugKind names the table a slug lives in.
type SlugKind string

const (
	SlugArticle      SlugKind = "article"
	SlugEvent        SlugKind = "event"
	SlugOrganization SlugKind = "organization"
)

// SlugStore answers slug collision questions and persists organizations.
type SlugStore interface {
	// SlugOwner reports whether slug is taken in the city and the external id of its holder.
	SlugOwner(ctx context.Context, kind SlugKind, cityID int64, slug string) (externalID string, taken bool, err error)
	FindOrganization(ctx context.Context, cityID int64, externalID string) (*models.Organization, error)
	SaveOrganization(ctx context.Context, org *models.Organization) error
}

// Store is the full persistence surface.
type Store interface {
	SourceStore
	RunStore
	ArticleStore
	AnalysisStore
	FactStore
	ProjectionStore
	EventStore
	SlugStore
}
