package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// JSONAdapter maps JSON APIs using gjson dot paths from the source config.
type JSONAdapter struct {
	fetcher Fetcher
}

// NewJSONAdapter creates a JSON adapter.
func NewJSONAdapter(f Fetcher) *JSONAdapter {
	return &JSONAdapter{fetcher: f}
}

func (a *JSONAdapter) Name() string { return "json" }

func (a *JSONAdapter) Supports(profile string) bool {
	return profile == "json"
}

func (a *JSONAdapter) FetchAndMap(ctx context.Context, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	resp, err := a.fetcher.Fetch(ctx, src.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	return a.Map(resp.Body, src, cfg, loc)
}

// Map extracts items from a JSON document.
func (a *JSONAdapter) Map(body []byte, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid json", ErrUnparseable)
	}
	m := cfg.JSON.WithDefaults()

	root := gjson.ParseBytes(body)
	list := root
	if m.ItemsPath != "" {
		list = root.Get(m.ItemsPath)
	}
	if !list.IsArray() {
		path := m.ItemsPath
		if path == "" {
			path = "(root)"
		}
		return nil, fmt.Errorf("%w: items_path %s does not resolve to an array", models.ErrMissingJSONPath, path)
	}

	var items []CanonicalItem
	list.ForEach(func(_, v gjson.Result) bool {
		if cfg.MaxItems > 0 && len(items) >= cfg.MaxItems {
			return false
		}
		items = append(items, mapJSONItem(v, m, src, loc))
		return true
	})
	return items, nil
}

func mapJSONItem(v gjson.Result, m models.JSONMapping, src SourceRef, loc *time.Location) CanonicalItem {
	item := CanonicalItem{
		ExternalID:   strings.TrimSpace(v.Get(m.IDKey).String()),
		Title:        normalize.CollapseWhitespace(v.Get(m.TitleKey).String()),
		LocationName: normalize.CollapseWhitespace(v.Get(m.LocationKey).String()),
		Description:  normalize.HTMLToText(v.Get(m.DescriptionKey).String()),
		ContentType:  models.ContentTypeText,
	}
	if href := v.Get(m.URLKey).String(); href != "" {
		item.URL = normalize.ResolveURL(src.URL, href)
	}
	if item.IsPDF() {
		item.ContentType = models.ContentTypePDF
	}

	if start, allDay, ok := jsonTime(v.Get(m.StartKey), loc); ok {
		item.StartsAt = &start
		item.AllDay = allDay
	}
	if end, _, ok := jsonTime(v.Get(m.EndKey), loc); ok {
		item.EndsAt = &end
	}
	item.PublishedAt = item.StartsAt

	if raw, ok := v.Value().(map[string]any); ok {
		item.Raw = raw
	}
	if item.ExternalID == "" {
		item.ExternalID = item.URL
	}
	return item
}

// jsonTime accepts epoch seconds or milliseconds, ISO strings and free text.
func jsonTime(r gjson.Result, loc *time.Location) (time.Time, bool, bool) {
	switch r.Type {
	case gjson.Number:
		n := r.Int()
		if n <= 0 {
			return time.Time{}, false, false
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), false, true
		}
		return time.Unix(n, 0).UTC(), false, true
	case gjson.String:
		if m, ok := normalize.ParseAny(r.String(), loc); ok {
			return m.Start, m.AllDay, true
		}
	}
	return time.Time{}, false, false
}
