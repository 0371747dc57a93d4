package models

import (
	"encoding/json"
	"time"
)

// Event is a calendar occurrence. SourceHash is the dedup key within a city.
type Event struct {
	ID            int64      `json:"id"`
	CityID        int64      `json:"city_id"`
	EventSourceID int64      `json:"event_source_id"`
	Title         string     `json:"title"`
	Slug          string     `json:"slug"`
	StartsAt      time.Time  `json:"starts_at"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	AllDay        bool       `json:"all_day"`
	LocationName  string     `json:"location_name,omitempty"`
	Description   string     `json:"description,omitempty"`
	EventURL      string     `json:"event_url,omitempty"`
	SourceHash    string     `json:"source_hash"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// EventSourceItem retains the raw payload an event source returned for one external item.
// Unique per (EventSourceID, ExternalID).
type EventSourceItem struct {
	ID            int64           `json:"id"`
	EventSourceID int64           `json:"event_source_id"`
	EventID       *int64          `json:"event_id,omitempty"`
	ExternalID    string          `json:"external_id"`
	Payload       json.RawMessage `json:"payload"`
	FetchedAt     time.Time       `json:"fetched_at"`
}

// SameContent reports whether two events carry identical display fields.
func (e *Event) SameContent(o *Event) bool {
	if e.Title != o.Title || e.LocationName != o.LocationName || e.Description != o.Description ||
		e.EventURL != o.EventURL || e.AllDay != o.AllDay || !e.StartsAt.Equal(o.StartsAt) {
		return false
	}
	if (e.EndsAt == nil) != (o.EndsAt == nil) {
		return false
	}
	return e.EndsAt == nil || e.EndsAt.Equal(*o.EndsAt)
}
