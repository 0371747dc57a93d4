package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Named configuration errors. Adapters raise these before any fetch happens.
var (
	ErrMissingSelector  = errors.New("missing required selector")
	ErrMissingJSONPath  = errors.New("missing required json path")
	ErrInvalidTimezone  = errors.New("invalid timezone")
	ErrUnknownConfigKey = errors.New("unknown config key")
	ErrInvalidConfig    = errors.New("invalid source config")
)

// SourceConfig is the typed per-source configuration document.
// Only the keys declared here are recognized; anything else is rejected by ParseSourceConfig.
type SourceConfig struct {
	Profile          string `json:"profile,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
	MaxItems         int    `json:"max_items,omitempty"`
	MaxDetailFetches int    `json:"max_detail_fetches,omitempty"`

	Selectors

	JSON JSONMapping `json:"json,omitempty"`
	PDF  PDFOptions  `json:"pdf,omitempty"`

	ExternalID   string            `json:"external_id,omitempty"`  // legacy id used for slug reuse
	Organization string            `json:"organization,omitempty"` // publishing organization display name
	Headers      map[string]string `json:"headers,omitempty"`
}

// Selectors are the CSS selectors used by the HTML adapter.
type Selectors struct {
	Item         string           `json:"item_selector,omitempty"`
	Title        string           `json:"title_selector,omitempty"`
	Date         string           `json:"date_selector,omitempty"`
	Time         string           `json:"time_selector,omitempty"`
	Location     string           `json:"location_selector,omitempty"`
	Link         string           `json:"link_selector,omitempty"`
	Description  string           `json:"description_selector,omitempty"`
	DatetimeAttr string           `json:"datetime_attr,omitempty"` // e.g. "datetime" on <time>
	LinkAttr     string           `json:"link_attr,omitempty"`     // defaults to href
	Detail       *DetailSelectors `json:"detail,omitempty"`
}

// DetailSelectors backfill fields from an item's detail page.
type DetailSelectors struct {
	Title       string `json:"title_selector,omitempty"`
	Date        string `json:"date_selector,omitempty"`
	Time        string `json:"time_selector,omitempty"`
	Location    string `json:"location_selector,omitempty"`
	Description string `json:"description_selector,omitempty"`
}

// JSONMapping maps a JSON payload onto canonical item fields using gjson dot paths.
type JSONMapping struct {
	ItemsPath      string `json:"items_path,omitempty"`
	TitleKey       string `json:"title_key,omitempty"`
	StartKey       string `json:"start_key,omitempty"`
	EndKey         string `json:"end_key,omitempty"`
	URLKey         string `json:"url_key,omitempty"`
	LocationKey    string `json:"location_key,omitempty"`
	DescriptionKey string `json:"description_key,omitempty"`
	IDKey          string `json:"id_key,omitempty"`
}

// WithDefaults fills unset keys with conventional field names.
func (m JSONMapping) WithDefaults() JSONMapping {
	def := func(v, d string) string {
		if v == "" {
			return d
		}
		return v
	}
	m.TitleKey = def(m.TitleKey, "title")
	m.StartKey = def(m.StartKey, "start")
	m.EndKey = def(m.EndKey, "end")
	m.URLKey = def(m.URLKey, "url")
	m.LocationKey = def(m.LocationKey, "location")
	m.DescriptionKey = def(m.DescriptionKey, "description")
	m.IDKey = def(m.IDKey, "id")
	return m
}

// PDFOptions control the extraction pipeline for PDF-bearing articles.
type PDFOptions struct {
	Extract  *bool `json:"extract,omitempty"` // nil means enabled
	OCR      bool  `json:"ocr,omitempty"`
	MaxPages int   `json:"max_pages,omitempty"`
}

// ParseSourceConfig decodes a raw config document, rejecting unknown keys, and validates it.
func ParseSourceConfig(raw []byte) (SourceConfig, error) {
	var cfg SourceConfig
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return cfg, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		if strings.Contains(err.Error(), "unknown field") {
			return cfg, fmt.Errorf("%w: %s", ErrUnknownConfigKey, strings.TrimPrefix(err.Error(), "json: unknown field "))
		}
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks adapter-independent constraints.
func (c SourceConfig) Validate() error {
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidTimezone, c.Timezone)
		}
	}
	if c.MaxItems < 0 || c.MaxDetailFetches < 0 || c.PDF.MaxPages < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidConfig)
	}
	return nil
}

// RequireSelectors fails fast when the listing selectors an HTML crawl needs are absent.
func (c SourceConfig) RequireSelectors() error {
	if strings.TrimSpace(c.Item) == "" {
		return fmt.Errorf("%w: item_selector", ErrMissingSelector)
	}
	if strings.TrimSpace(c.Title) == "" {
		return fmt.Errorf("%w: title_selector", ErrMissingSelector)
	}
	return nil
}

// TimeLocation resolves the configured timezone, falling back to the given default and then UTC.
func (c SourceConfig) TimeLocation(fallback string) (*time.Location, error) {
	name := c.Timezone
	if name == "" {
		name = fallback
	}
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, name)
	}
	return loc, nil
}

// ExtractEnabled reports whether PDF text extraction should run.
func (c SourceConfig) ExtractEnabled() bool {
	return c.PDF.Extract == nil || *c.PDF.Extract
}
