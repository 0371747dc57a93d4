package ingestion

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/models"
)

// ErrUnparseable marks a payload that could not be decoded in its declared format.
var ErrUnparseable = errors.New("unparseable payload")

// SourceRef identifies the source an adapter is fetching for.
type SourceRef struct {
	ID     int64
	CityID int64
	Name   string
	Type   models.SourceType
	URL    string
}

// CanonicalItem is the adapter-independent shape of one fetched item.
type CanonicalItem struct {
	ExternalID   string
	Title        string
	StartsAt     *time.Time
	EndsAt       *time.Time
	AllDay       bool
	LocationName string
	Description  string
	URL          string
	PublishedAt  *time.Time
	Author       string
	ContentType  models.ContentType
	Raw          map[string]any
}

// IsPDF reports whether the item's primary content is a PDF document.
func (c CanonicalItem) IsPDF() bool {
	if c.ContentType == models.ContentTypePDF {
		return true
	}
	u := strings.ToLower(c.URL)
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".pdf")
}

// Adapter fetches a remote source and maps its payload into canonical items.
type Adapter interface {
	// Name identifies the adapter in run metadata.
	Name() string

	// Supports reports whether the adapter handles the named profile.
	Supports(profile string) bool

	// FetchAndMap fetches src and returns its items. Configuration errors are
	// returned before any network access.
	FetchAndMap(ctx context.Context, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error)
}

// Registry resolves a profile name to an adapter. Adapters are consulted in
// registration order and the generic adapter catches everything else.
type Registry struct {
	adapters []Adapter
	generic  Adapter
}

// NewRegistry creates a registry with a generic fallback.
func NewRegistry(generic Adapter, adapters ...Adapter) *Registry {
	return &Registry{adapters: adapters, generic: generic}
}

// Register appends an adapter after the existing ones.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// Resolve returns the first adapter supporting profile, or the generic adapter.
func (r *Registry) Resolve(profile string) Adapter {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if profile != "" {
		for _, a := range r.adapters {
			if a.Supports(profile) {
				return a
			}
		}
	}
	return r.generic
}

// NewDefaultRegistry wires every built-in adapter over one fetcher.
func NewDefaultRegistry(f Fetcher, opts HTMLOptions) *Registry {
	html := NewHTMLAdapter(f, opts)
	ics := NewICSAdapter(f)
	rss := NewRSSAdapter(f)
	js := NewJSONAdapter(f)

	return NewRegistry(
		NewGenericAdapter(f, html, ics, rss, js),
		NewProfileAdapter("civicplus", CivicPlusSelectors, f, opts),
		NewProfileAdapter("granicus", GranicusSelectors, f, opts),
		html,
		ics,
		rss,
		js,
	)
}
