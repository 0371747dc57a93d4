package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseSourceConfig(t *testing.T) {
	raw := []byte(`{
		"profile": "civicplus",
		"timezone": "America/Chicago",
		"max_items": 25,
		"item_selector": ".event",
		"title_selector": ".name a",
		"date_selector": ".meta",
		"detail": {"description_selector": ".body"},
		"pdf": {"ocr": true, "max_pages": 4}
	}`)

	cfg, err := ParseSourceConfig(raw)
	if err != nil {
		t.Fatalf("ParseSourceConfig() error = %v", err)
	}
	if cfg.Item != ".event" || cfg.Title != ".name a" || cfg.Date != ".meta" {
		t.Errorf("selectors not decoded: %+v", cfg.Selectors)
	}
	if cfg.Detail == nil || cfg.Detail.Description != ".body" {
		t.Errorf("detail selectors not decoded: %+v", cfg.Detail)
	}
	if !cfg.PDF.OCR || cfg.PDF.MaxPages != 4 {
		t.Errorf("pdf options not decoded: %+v", cfg.PDF)
	}
	if !cfg.ExtractEnabled() {
		t.Error("ExtractEnabled() = false, want true when pdf.extract is unset")
	}
}

func TestParseSourceConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{name: "unknown key", raw: `{"item_selectr": ".x"}`, want: ErrUnknownConfigKey},
		{name: "bad timezone", raw: `{"timezone": "Mars/Olympus"}`, want: ErrInvalidTimezone},
		{name: "negative limit", raw: `{"max_items": -1}`, want: ErrInvalidConfig},
		{name: "malformed", raw: `{"max_items": "ten"}`, want: ErrInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSourceConfig([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseSourceConfig() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseSourceConfig_Empty(t *testing.T) {
	for _, raw := range []string{"", "null", "  "} {
		if _, err := ParseSourceConfig([]byte(raw)); err != nil {
			t.Errorf("ParseSourceConfig(%q) error = %v", raw, err)
		}
	}
}

func TestSourceConfig_RequireSelectors(t *testing.T) {
	cfg := SourceConfig{Selectors: Selectors{Item: ".event"}}
	if err := cfg.RequireSelectors(); !errors.Is(err, ErrMissingSelector) {
		t.Errorf("RequireSelectors() error = %v, want ErrMissingSelector", err)
	}
	cfg.Title = ".name"
	if err := cfg.RequireSelectors(); err != nil {
		t.Errorf("RequireSelectors() error = %v", err)
	}
}

func TestSourceConfig_TimeLocation(t *testing.T) {
	cfg := SourceConfig{}
	loc, err := cfg.TimeLocation("America/Denver")
	if err != nil {
		t.Fatalf("TimeLocation() error = %v", err)
	}
	if loc.String() != "America/Denver" {
		t.Errorf("TimeLocation() = %s, want fallback America/Denver", loc)
	}

	loc, _ = cfg.TimeLocation("")
	if loc != time.UTC {
		t.Errorf("TimeLocation() = %s, want UTC", loc)
	}

	off := false
	cfg.PDF.Extract = &off
	if cfg.ExtractEnabled() {
		t.Error("ExtractEnabled() = true with pdf.extract=false")
	}
}

func TestRun_Finish(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	tests := []struct {
		name string
		run  Run
		want RunStatus
	}{
		{name: "created items", run: Run{Kind: RunKindScrape, ItemsFound: 2, ItemsCreated: 2}, want: RunStatusSuccess},
		{name: "updated only", run: Run{Kind: RunKindScrape, ItemsFound: 2, ItemsUpdated: 1}, want: RunStatusSuccess},
		{name: "nothing found", run: Run{Kind: RunKindEvent}, want: RunStatusEmpty},
		{name: "all skipped", run: Run{Kind: RunKindEvent, ItemsFound: 3}, want: RunStatusFailed},
		{name: "already failed", run: Run{Kind: RunKindScrape, Status: RunStatusFailed, ItemsFound: 1, ItemsCreated: 1}, want: RunStatusFailed},
		{name: "event written", run: Run{Kind: RunKindEvent, ItemsFound: 1, ItemsWritten: 1}, want: RunStatusSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run
			run.StartedAt = &start
			run.Finish(end)
			if run.Status != tt.want {
				t.Errorf("Finish() status = %s, want %s", run.Status, tt.want)
			}
			if !run.IsTerminal() {
				t.Error("run not terminal after Finish()")
			}
			if run.Meta.DurationMS != 1500 {
				t.Errorf("DurationMS = %d, want 1500", run.Meta.DurationMS)
			}
		})
	}
}

func TestRunMeta_Skip(t *testing.T) {
	var meta RunMeta
	meta.Skip("missing_title")
	meta.Skip("missing_title")
	meta.Skip("missing_start")

	if meta.SkippedItems != 3 {
		t.Errorf("SkippedItems = %d, want 3", meta.SkippedItems)
	}
	if meta.SkipReasons["missing_title"] != 2 || meta.SkipReasons["missing_start"] != 1 {
		t.Errorf("SkipReasons = %v", meta.SkipReasons)
	}
}
