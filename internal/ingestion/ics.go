package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/civicwire/civicwire/internal/models"
	"github.com/civicwire/civicwire/internal/normalize"
)

// ICSAdapter maps iCalendar feeds. DTSTART honours TZID, floating times are
// read in the source timezone, and VALUE=DATE starts become all-day events.
type ICSAdapter struct {
	fetcher Fetcher
}

// NewICSAdapter creates an ICS adapter.
func NewICSAdapter(f Fetcher) *ICSAdapter {
	return &ICSAdapter{fetcher: f}
}

func (a *ICSAdapter) Name() string { return "ics" }

func (a *ICSAdapter) Supports(profile string) bool {
	return profile == "ics" || profile == "ical"
}

func (a *ICSAdapter) FetchAndMap(ctx context.Context, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	resp, err := a.fetcher.Fetch(ctx, src.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	return a.Map(resp.Body, cfg, loc)
}

// Map parses an iCalendar document.
func (a *ICSAdapter) Map(body []byte, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	cal, err := ics.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: ics: %v", ErrUnparseable, err)
	}

	var items []CanonicalItem
	for _, ev := range cal.Events() {
		if cfg.MaxItems > 0 && len(items) >= cfg.MaxItems {
			break
		}
		item := CanonicalItem{
			ExternalID:   ev.Id(),
			Title:        normalize.CollapseWhitespace(icsText(ev, ics.ComponentPropertySummary)),
			LocationName: normalize.CollapseWhitespace(icsText(ev, ics.ComponentPropertyLocation)),
			Description:  normalize.CleanText(icsText(ev, ics.ComponentPropertyDescription)),
			URL:          strings.TrimSpace(icsText(ev, ics.ComponentPropertyUrl)),
			ContentType:  models.ContentTypeText,
			Raw:          map[string]any{},
		}

		if start, allDay, ok := icsTime(ev.GetProperty(ics.ComponentPropertyDtStart), loc); ok {
			item.StartsAt = &start
			item.AllDay = allDay
		}
		if end, _, ok := icsTime(ev.GetProperty(ics.ComponentPropertyDtEnd), loc); ok {
			item.EndsAt = &end
		}
		item.PublishedAt = item.StartsAt

		for _, p := range ev.Properties {
			item.Raw[strings.ToLower(p.IANAToken)] = p.Value
		}
		items = append(items, item)
	}
	return items, nil
}

func icsText(ev *ics.VEvent, prop ics.ComponentProperty) string {
	p := ev.GetProperty(prop)
	if p == nil {
		return ""
	}
	return unescapeICS(p.Value)
}

var icsUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeICS(s string) string {
	return icsUnescaper.Replace(s)
}

// icsTime parses a DATE or DATE-TIME property value.
func icsTime(p *ics.IANAProperty, loc *time.Location) (time.Time, bool, bool) {
	if p == nil {
		return time.Time{}, false, false
	}
	value := strings.TrimSpace(p.Value)

	isDate := len(value) == 8
	if v, ok := p.ICalParameters["VALUE"]; ok && len(v) > 0 && strings.EqualFold(v[0], "DATE") {
		isDate = true
	}
	if tzid, ok := p.ICalParameters["TZID"]; ok && len(tzid) > 0 {
		if tz, err := time.LoadLocation(strings.Trim(tzid[0], `"`)); err == nil {
			loc = tz
		}
	}

	if isDate {
		t, err := time.ParseInLocation("20060102", value[:min(8, len(value))], loc)
		return t, true, err == nil
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err == nil
	}
	for _, layout := range []string{"20060102T150405", "20060102T1504"} {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, false, true
		}
	}
	return time.Time{}, false, false
}
