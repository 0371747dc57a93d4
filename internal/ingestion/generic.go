package ingestion

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/civicwire/civicwire/internal/models"
)

// GenericAdapter handles sources without a recognized profile. It delegates by
// declared source type and sniffs the payload when the type does not decide.
type GenericAdapter struct {
	fetcher Fetcher
	html    *HTMLAdapter
	ics     *ICSAdapter
	rss     *RSSAdapter
	json    *JSONAdapter
}

// NewGenericAdapter creates the fallback adapter.
func NewGenericAdapter(f Fetcher, html *HTMLAdapter, ics *ICSAdapter, rss *RSSAdapter, json *JSONAdapter) *GenericAdapter {
	return &GenericAdapter{fetcher: f, html: html, ics: ics, rss: rss, json: json}
}

func (a *GenericAdapter) Name() string { return "generic" }

func (a *GenericAdapter) Supports(profile string) bool {
	return profile == "" || profile == "generic"
}

func (a *GenericAdapter) FetchAndMap(ctx context.Context, src SourceRef, cfg models.SourceConfig, loc *time.Location) ([]CanonicalItem, error) {
	switch src.Type {
	case models.SourceTypePDF:
		return []CanonicalItem{{
			ExternalID:  src.URL,
			Title:       src.Name,
			URL:         src.URL,
			ContentType: models.ContentTypePDF,
		}}, nil
	case models.SourceTypeHTML:
		check := cfg
		check.Selectors = mergeSelectors(a.html.preset, cfg.Selectors)
		if err := check.RequireSelectors(); err != nil {
			return nil, err
		}
	}

	resp, err := a.fetcher.Fetch(ctx, src.URL, cfg.Headers)
	if err != nil {
		return nil, err
	}

	switch sniff(src.Type, resp) {
	case models.SourceTypeICS:
		return a.ics.Map(resp.Body, cfg, loc)
	case models.SourceTypeRSS:
		return a.rss.Map(resp.Body, src, cfg, loc)
	case models.SourceTypeJSON:
		return a.json.Map(resp.Body, src, cfg, loc)
	case models.SourceTypePDF:
		return []CanonicalItem{{ExternalID: src.URL, Title: src.Name, URL: src.URL, ContentType: models.ContentTypePDF}}, nil
	default:
		return a.html.Map(ctx, resp.Body, src, cfg, loc)
	}
}

// sniff decides the payload format. A declared type wins unless it is html,
// in which case the body may still turn out to be a feed or calendar.
func sniff(declared models.SourceType, resp *Response) models.SourceType {
	switch declared {
	case models.SourceTypeICS, models.SourceTypeRSS, models.SourceTypeJSON:
		return declared
	}

	head := bytes.TrimSpace(resp.Body)
	if len(head) > 512 {
		head = head[:512]
	}
	ct := strings.ToLower(resp.ContentType)
	lower := strings.ToLower(string(head))

	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")) || strings.Contains(ct, "application/pdf"):
		return models.SourceTypePDF
	case strings.HasPrefix(lower, "begin:vcalendar") || strings.Contains(ct, "text/calendar"):
		return models.SourceTypeICS
	case strings.Contains(lower, "<rss") || strings.Contains(lower, "<feed") || strings.Contains(lower, "<rdf:rdf") ||
		strings.Contains(ct, "rss+xml") || strings.Contains(ct, "atom+xml"):
		return models.SourceTypeRSS
	case strings.Contains(ct, "json") || bytes.HasPrefix(head, []byte("{")) || bytes.HasPrefix(head, []byte("[")):
		return models.SourceTypeJSON
	}
	return models.SourceTypeHTML
}
