package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// HTMLOptions bound the cost of one HTML crawl.
type HTMLOptions struct {
	DefaultMaxItems         int
	DefaultMaxDetailFetches int
	Logger                  *slog.Logger
}

// HTMLAdapter crawls a listing page with CSS selectors and optionally
// dereferences detail pages to backfill missing fields.
type HTMLAdapter struct {
	name     string
	profiles []string
	preset   models.Selectors
	fetcher  Fetcher
	opts     HTMLOptions
	logger   *slog.Logger
}

// NewHTMLAdapter creates the plain selector-driven adapter for the "html" profile.
func NewHTMLAdapter(f Fetcher, opts HTMLOptions) *HTMLAdapter {
	return newHTMLAdapter("html", []string{"html", "selectors"}, models.Selectors{}, f, opts)
}

// NewProfileAdapter creates an HTML adapter whose selectors default to preset.
// Selectors set in source config still win.
func NewProfileAdapter(name string, preset models.Selectors, f Fetcher, opts HTMLOptions) *HTMLAdapter {
	return newHTMLAdapter(name, []string{name}, preset, f, opts)
}

func newHTMLAdapter(name string, profiles []string, preset models.Selectors, f Fetcher, opts HTMLOptions) *HTMLAdapter {
	if opts.DefaultMaxItems <= 0 {
		opts.DefaultMaxItems = 200
	}
	if opts.DefaultMaxDetailFetches < 0 {
		opts.DefaultMaxDetailFetches = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTMLAdapter{
		name:     name,
		profiles: profiles,
		preset:   preset,
		fetcher:  f,
		opts:     opts,
		logger:   logger.With("component", "html_adapter", "profile", name),
	}
}

func (a *HTMLAdapter) Name() string { return a.name }

func (a *HTMLAdapter) Supports(profile string) bool {
	for _, p := range a.profiles {
		if p == profile {
			return true
		}
	}
	return false
}

// FetchAndMap fetches the listing page and maps each item.
func (a *HTMLAdapter) FetchAndMap(ctx context.Context, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	cfg.Selectors = mergeSelectors(a.preset, cfg.Selectors)
	if err := cfg.RequireSelectors(); err != nil {
		return nil, err
	}

	resp, err := a.fetcher.Fetch(ctx, src.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	return a.Map(ctx, resp.Body, src, cfg, loc)
}

// Map extracts items from an already fetched listing document.
func (a *HTMLAdapter) Map(ctx context.Context, body []byte, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	cfg.Selectors = mergeSelectors(a.preset, cfg.Selectors)
	if err := cfg.RequireSelectors(); err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: html: %v", ErrUnparseable, err)
	}

	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = a.opts.DefaultMaxItems
	}

	var items []CanonicalItem
	doc.Find(cfg.Item).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if len(items) >= maxItems {
			return false
		}
		items = append(items, a.mapItem(s, src, cfg, loc))
		return true
	})

	a.backfillDetails(ctx, items, cfg, loc)
	return items, nil
}

func (a *HTMLAdapter) mapItem(s *goquery.Selection, src SourceRef, cfg models.SourceConfig, loc *time.Location) CanonicalItem {
	titleSel := s.Find(cfg.Title).First()
	item := CanonicalItem{
		Title:       normalize.CollapseWhitespace(titleSel.Text()),
		ContentType: models.ContentTypeHTML,
		Raw:         map[string]any{},
	}

	if href := linkFor(s, titleSel, cfg.Selectors); href != "" {
		item.URL = normalize.ResolveURL(src.URL, href)
	}

	dateText := ""
	if cfg.Date != "" {
		dateSel := s.Find(cfg.Date).First()
		dateText = normalize.CollapseWhitespace(dateSel.Text())
		if applyMachineDate(&item, dateSel, cfg.DatetimeAttr, loc) {
			dateText = ""
		}
	} else if timeEl := s.Find("time[datetime]").First(); timeEl.Length() > 0 {
		applyMachineDate(&item, timeEl, "datetime", loc)
	}

	timeText := ""
	if cfg.Time != "" {
		timeText = normalize.CollapseWhitespace(s.Find(cfg.Time).First().Text())
	}

	rest := ""
	if item.StartsAt == nil && dateText != "" {
		if m, ok := normalize.ParseDateTime(dateText, timeText, loc); ok {
			start := m.Start
			item.StartsAt = &start
			item.EndsAt = m.End
			item.AllDay = m.AllDay
			rest = m.Rest
		}
	}

	if cfg.Selectors.Location != "" {
		item.LocationName = normalize.CollapseWhitespace(s.Find(cfg.Selectors.Location).First().Text())
	} else {
		item.LocationName = rest
	}

	if cfg.Description != "" {
		if html, err := s.Find(cfg.Description).First().Html(); err == nil {
			item.Description = normalize.HTMLToText(html)
		}
	}

	if item.IsPDF() {
		item.ContentType = models.ContentTypePDF
	}
	item.PublishedAt = item.StartsAt
	item.ExternalID = item.URL
	item.Raw["title"] = item.Title
	item.Raw["url"] = item.URL
	item.Raw["date_text"] = strings.TrimSpace(dateText + " " + timeText)
	item.Raw["location"] = item.LocationName
	return item
}

// applyMachineDate prefers a machine-readable datetime attribute.
func applyMachineDate(item *CanonicalItem, sel *goquery.Selection, attr string, loc *time.Location) bool {
	if attr == "" {
		attr = "datetime"
	}
	v, ok := sel.Attr(attr)
	if !ok {
		v, ok = sel.Find("[" + attr + "]").First().Attr(attr)
	}
	if !ok {
		return false
	}
	t, allDay, ok := normalize.ParseMachineTime(v, loc)
	if !ok {
		return false
	}
	item.StartsAt = &t
	item.AllDay = allDay
	return true
}

func linkFor(item, title *goquery.Selection, sel models.Selectors) string {
	attr := sel.LinkAttr
	if attr == "" {
		attr = "href"
	}
	if sel.Link != "" {
		if v, ok := item.Find(sel.Link).First().Attr(attr); ok {
			return v
		}
	}
	if v, ok := title.Attr("href"); ok {
		return v
	}
	if v, ok := title.Find("a[href]").First().Attr("href"); ok {
		return v
	}
	if v, ok := title.Closest("a[href]").Attr("href"); ok {
		return v
	}
	v, _ := item.Find("a[href]").First().Attr("href")
	return v
}

// backfillDetails fetches detail pages for items still missing fields.
// Detail failures are logged and leave the listing data as is.
func (a *HTMLAdapter) backfillDetails(ctx context.Context, items []CanonicalItem, cfg models.SourceConfig, loc *time.Location) {
	if cfg.Detail == nil {
		return
	}
	limit := cfg.MaxDetailFetches
	if limit <= 0 {
		limit = a.opts.DefaultMaxDetailFetches
	}

	fetched := 0
	for i := range items {
		if fetched >= limit {
			return
		}
		item := &items[i]
		if item.URL == "" || item.IsPDF() || !needsDetail(item, cfg.Detail) {
			continue
		}
		fetched++

		resp, err := a.fetcher.Fetch(ctx, item.URL, cfg.Headers)
		if err != nil {
			a.logger.Warn("detail fetch failed", "url", item.URL, "error", err)
			continue
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil {
			continue
		}
		applyDetail(item, doc.Selection, cfg.Detail, loc)
	}
}

func needsDetail(item *CanonicalItem, d *models.DetailSelectors) bool {
	return (item.StartsAt == nil && d.Date != "") ||
		(item.LocationName == "" && d.Location != "") ||
		(item.Description == "" && d.Description != "") ||
		(item.Title == "" && d.Title != "")
}

func applyDetail(item *CanonicalItem, doc *goquery.Selection, d *models.DetailSelectors, loc *time.Location) {
	if item.Title == "" && d.Title != "" {
		item.Title = normalize.CollapseWhitespace(doc.Find(d.Title).First().Text())
	}
	rest := ""
	if item.StartsAt == nil && d.Date != "" {
		dateSel := doc.Find(d.Date).First()
		if !applyMachineDate(item, dateSel, "datetime", loc) {
			timeText := ""
			if d.Time != "" {
				timeText = doc.Find(d.Time).First().Text()
			}
			if m, ok := normalize.ParseDateTime(normalize.CollapseWhitespace(dateSel.Text()), normalize.CollapseWhitespace(timeText), loc); ok {
				start := m.Start
				item.StartsAt = &start
				item.EndsAt = m.End
				item.AllDay = m.AllDay
				rest = m.Rest
			}
		}
		item.PublishedAt = item.StartsAt
	}
	if item.LocationName == "" {
		if d.Location != "" {
			item.LocationName = normalize.CollapseWhitespace(doc.Find(d.Location).First().Text())
		} else {
			item.LocationName = rest
		}
	}
	if item.Description == "" && d.Description != "" {
		if html, err := doc.Find(d.Description).First().Html(); err == nil {
			item.Description = normalize.HTMLToText(html)
		}
	}
}

func mergeSelectors(preset, override models.Selectors) models.Selectors {
	pick := func(o, p string) string {
		if o != "" {
			return o
		}
		return p
	}
	out := models.Selectors{
		Item:         pick(override.Item, preset.Item),
		Title:        pick(override.Title, preset.Title),
		Date:         pick(override.Date, preset.Date),
		Time:         pick(override.Time, preset.Time),
		Location:     pick(override.Location, preset.Location),
		Link:         pick(override.Link, preset.Link),
		Description:  pick(override.Description, preset.Description),
		DatetimeAttr: pick(override.DatetimeAttr, preset.DatetimeAttr),
		LinkAttr:     pick(override.LinkAttr, preset.LinkAttr),
		Detail:       override.Detail,
	}
	if out.Detail == nil {
		out.Detail = preset.Detail
	}
	return out
}
