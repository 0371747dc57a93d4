package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// RSSAdapter maps RSS and Atom feeds. Event feeds using the ev: module
// (startdate, enddate, location) get start times; plain news feeds get
// published times.
type RSSAdapter struct {
	fetcher Fetcher
}

// NewRSSAdapter creates an RSS/Atom adapter.
func NewRSSAdapter(f Fetcher) *RSSAdapter {
	return &RSSAdapter{fetcher: f}
}

func (a *RSSAdapter) Name() string { return "rss" }

func (a *RSSAdapter) Supports(profile string) bool {
	return profile == "rss" || profile == "atom" || profile == "feed"
}

func (a *RSSAdapter) FetchAndMap(ctx context.Context, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	resp, err := a.fetcher.Fetch(ctx, src.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	return a.Map(resp.Body, src, cfg, loc)
}

// Map parses a feed document.
func (a *RSSAdapter) Map(body []byte, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: feed: %v", ErrUnparseable, err)
	}

	items := make([]CanonicalItem, 0, len(feed.Items))
	for _, fi := range feed.Items {
		if cfg.MaxItems > 0 && len(items) >= cfg.MaxItems {
			break
		}
		items = append(items, mapFeedItem(fi, src, loc))
	}
	return items, nil
}

func mapFeedItem(fi *gofeed.Item, src SourceRef, loc *time.Location) CanonicalItem {
	item := CanonicalItem{
		ExternalID:  fi.GUID,
		Title:       normalize.CollapseWhitespace(normalize.HTMLToText(fi.Title)),
		URL:         normalize.ResolveURL(src.URL, fi.Link),
		ContentType: models.ContentTypeHTML,
		Raw: map[string]any{
			"guid":        fi.GUID,
			"link":        fi.Link,
			"published":   fi.Published,
			"updated":     fi.Updated,
			"description": fi.Description,
		},
	}

	body := fi.Content
	if strings.TrimSpace(body) == "" {
		body = fi.Description
	}
	item.Description = normalize.HTMLToText(body)

	switch {
	case fi.PublishedParsed != nil:
		t := *fi.PublishedParsed
		item.PublishedAt = &t
	case fi.UpdatedParsed != nil:
		t := *fi.UpdatedParsed
		item.PublishedAt = &t
	}

	if fi.Author != nil {
		item.Author = fi.Author.Name
	} else if len(fi.Authors) > 0 && fi.Authors[0] != nil {
		item.Author = fi.Authors[0].Name
	}

	for _, enc := range fi.Enclosures {
		if enc != nil && (strings.Contains(enc.Type, "pdf") || strings.HasSuffix(strings.ToLower(enc.URL), ".pdf")) {
			item.URL = normalize.ResolveURL(src.URL, enc.URL)
			item.ContentType = models.ContentTypePDF
			break
		}
	}
	if item.IsPDF() {
		item.ContentType = models.ContentTypePDF
	}

	if ev, ok := fi.Extensions["ev"]; ok {
		if v := extensionValue(ev, "startdate"); v != "" {
			if m, ok := normalize.ParseAny(v, loc); ok {
				start := m.Start
				item.StartsAt = &start
				item.AllDay = m.AllDay
			}
		}
		if v := extensionValue(ev, "enddate"); v != "" {
			if m, ok := normalize.ParseAny(v, loc); ok {
				end := m.Start
				item.EndsAt = &end
			}
		}
		item.LocationName = normalize.CollapseWhitespace(extensionValue(ev, "location"))
	}
	if item.ExternalID == "" {
		item.ExternalID = item.URL
	}
	return item
}

func extensionValue(fields map[string][]ext.Extension, name string) string {
	if vals := fields[name]; len(vals) > 0 {
		return strings.TrimSpace(vals[0].Value)
	}
	return ""
}
