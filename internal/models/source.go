package models

import (
	"time"
)

// City scopes every ingested entity. Data never crosses city boundaries.
type City struct {
	ID       int64  `json:"id"`
	Slug     string `json:"slug"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"` // IANA name
}

// DefaultTimezone is used when neither the source config nor the city names one.
const DefaultTimezone = "America/New_York"

// SourceType declares the payload format of a source.
type SourceType string

const (
	SourceTypeRSS  SourceType = "rss"
	SourceTypeHTML SourceType = "html"
	SourceTypeJSON SourceType = "json"
	SourceTypeICS  SourceType = "ics"
	SourceTypePDF  SourceType = "pdf"
)

// Valid reports whether t is a known source type.
func (t SourceType) Valid() bool {
	switch t {
	case SourceTypeRSS, SourceTypeHTML, SourceTypeJSON, SourceTypeICS, SourceTypePDF:
		return true
	}
	return false
}

// Frequency is the coarse schedule class of a source.
type Frequency string

const (
	FrequencyHourly Frequency = "hourly"
	FrequencyDaily  Frequency = "daily"
	FrequencyWeekly Frequency = "weekly"
	FrequencyManual Frequency = "manual"
)

// Schedule describes when a source should run. Cron takes precedence over Frequency when set.
type Schedule struct {
	Frequency    Frequency `json:"frequency"`
	RunAt        *string   `json:"run_at,omitempty"`          // "HH:MM" in the source timezone
	RunDayOfWeek *int      `json:"run_day_of_week,omitempty"` // 0 = Sunday
	Cron         *string   `json:"cron,omitempty"`
}

// ScrapeSource is a configured news/article scraper belonging to one city.
type ScrapeSource struct {
	ID             int64        `json:"id"`
	CityID         int64        `json:"city_id"`
	OrganizationID *int64       `json:"organization_id,omitempty"`
	Name           string       `json:"name"`
	Slug           string       `json:"slug"`
	Type           SourceType   `json:"type"`
	SourceURL      string       `json:"source_url"`
	Config         SourceConfig `json:"config"`
	IsEnabled      bool         `json:"is_enabled"`
	Schedule       Schedule     `json:"schedule"`
	LastRunAt      *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// EventSource is a configured calendar feed belonging to one city.
type EventSource struct {
	ID         int64        `json:"id"`
	CityID     int64        `json:"city_id"`
	Name       string       `json:"name"`
	SourceType SourceType   `json:"source_type"`
	SourceURL  string       `json:"source_url"`
	Config     SourceConfig `json:"config"`
	IsActive   bool         `json:"is_active"`
	Schedule   Schedule     `json:"schedule"`
	LastRunAt  *time.Time   `json:"last_run_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Organization publishes content through one or more scrape sources.
type Organization struct {
	ID         int64     `json:"id"`
	CityID     int64     `json:"city_id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	ExternalID string    `json:"external_id,omitempty"` // legacy identifier carried in source config
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
