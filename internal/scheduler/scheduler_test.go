package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/civicwire/civicwire/internal/models"
)

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }

func TestIsDue(t *testing.T) {
	// Monday noon UTC.
	now := time.Date(2025, 1, 6, 12, 0, 30, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}

	tests := []struct {
		name    string
		src     Source
		want    bool
		wantErr bool
	}{
		{
			name: "disabled",
			src:  Source{Enabled: false, Schedule: models.Schedule{Frequency: models.FrequencyHourly}},
		},
		{
			name: "manual never due",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyManual}},
		},
		{
			name: "never run",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyWeekly}},
			want: true,
		},
		{
			name: "hourly within the hour",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyHourly}, LastRunAt: ago(30 * time.Minute)},
		},
		{
			name: "hourly after an hour",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyHourly}, LastRunAt: ago(61 * time.Minute)},
			want: true,
		},
		{
			name: "daily ran yesterday",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyDaily}, LastRunAt: ago(24 * time.Hour)},
			want: true,
		},
		{
			name: "daily already ran today",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyDaily}, LastRunAt: ago(11 * time.Hour)},
		},
		{
			name: "daily before run_at",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyDaily, RunAt: strptr("13:00")}, LastRunAt: ago(24 * time.Hour)},
		},
		{
			name: "daily malformed run_at uses default",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyDaily, RunAt: strptr("noon")}, LastRunAt: ago(24 * time.Hour)},
			want: true,
		},
		{
			// 03:00 UTC today is still yesterday evening in New York.
			name: "daily uses source timezone",
			src: Source{Enabled: true, Location: ny, Schedule: models.Schedule{Frequency: models.FrequencyDaily},
				LastRunAt: ago(9 * time.Hour)},
			want: true,
		},
		{
			name: "weekly on run day",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyWeekly}, LastRunAt: ago(7 * 24 * time.Hour)},
			want: true,
		},
		{
			name: "weekly ran recently",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyWeekly}, LastRunAt: ago(3 * 24 * time.Hour)},
		},
		{
			name: "weekly other day",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyWeekly, RunDayOfWeek: intptr(2)}, LastRunAt: ago(7 * 24 * time.Hour)},
		},
		{
			name: "cron matching minute",
			src:  Source{Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyManual, Cron: strptr("0 12 * * *")}, LastRunAt: ago(time.Hour)},
			want: true,
		},
		{
			name: "cron already ran this minute",
			src:  Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("0 12 * * *")}, LastRunAt: ago(20 * time.Second)},
		},
		{
			name: "cron never run",
			src:  Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("30 * * * *")}},
			want: true,
		},
		{
			name: "cron not yet fired since last run",
			src:  Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("30 * * * *")}, LastRunAt: ago(20 * time.Minute)},
		},
		{
			// Fired at 11:55; the sweep arrives five minutes late.
			name: "cron late sweep catches up",
			src:  Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("55 11 * * *")}, LastRunAt: ago(24 * time.Hour)},
			want: true,
		},
		{
			name: "cron several missed fires run once",
			src:  Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("*/5 * * * *")}, LastRunAt: ago(time.Hour)},
			want: true,
		},
		{
			name: "cron in source timezone",
			src:  Source{Enabled: true, Location: ny, Schedule: models.Schedule{Cron: strptr("0 7 * * 1")}, LastRunAt: ago(time.Hour)},
			want: true,
		},
		{
			// 07:00 UTC Monday has passed; the next fire is a week out.
			name: "cron in utc not due",
			src:  Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("0 7 * * 1")}, LastRunAt: ago(time.Hour)},
		},
		{
			name:    "invalid cron",
			src:     Source{Enabled: true, Schedule: models.Schedule{Cron: strptr("every day")}},
			wantErr: true,
		},
		{
			name:    "unknown frequency",
			src:     Source{Enabled: true, Schedule: models.Schedule{Frequency: "fortnightly"}, LastRunAt: ago(time.Hour)},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsDue(now, tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("IsDue() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDueSources(t *testing.T) {
	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Minute)
	sources := []Source{
		{ID: 1, Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyHourly}},
		{ID: 2, Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyHourly}, LastRunAt: &recent},
		{ID: 3, Enabled: true, Schedule: models.Schedule{Cron: strptr("bogus")}},
		{ID: 4, Enabled: true, Schedule: models.Schedule{Frequency: models.FrequencyDaily}},
	}

	due := DueSources(now, sources)
	if len(due) != 2 || due[0].ID != 1 || due[1].ID != 4 {
		t.Errorf("DueSources() = %+v, want ids 1 and 4", due)
	}
}

func TestFromSources(t *testing.T) {
	scrape := FromScrapeSource(models.ScrapeSource{ID: 5, IsEnabled: true, Config: models.SourceConfig{Timezone: "America/Chicago"}}, "America/New_York")
	if scrape.Kind != models.RunKindScrape || scrape.Location.String() != "America/Chicago" {
		t.Errorf("FromScrapeSource() = %+v", scrape)
	}

	event := FromEventSource(models.EventSource{ID: 6, IsActive: true}, "America/New_York")
	if event.Kind != models.RunKindEvent || !event.Enabled || event.Location.String() != "America/New_York" {
		t.Errorf("FromEventSource() = %+v", event)
	}

	bad := FromEventSource(models.EventSource{Config: models.SourceConfig{Timezone: "Mars/Olympus"}}, "")
	if bad.Location != time.UTC {
		t.Errorf("invalid timezone location = %v, want UTC", bad.Location)
	}
}

type countingRunner struct {
	scrapes atomic.Int64
	events  atomic.Int64
	err     error
}

func (r *countingRunner) RunDueScrapers(ctx context.Context) (DueReport, error) {
	r.scrapes.Add(1)
	return DueReport{Due: 1, Queued: []int64{9}}, r.err
}

func (r *countingRunner) RunDueEventSources(ctx context.Context) (DueReport, error) {
	r.events.Add(1)
	return DueReport{}, r.err
}

func TestScheduler_StartStop(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "healthy runner"},
		{name: "failing runner keeps ticking", err: errors.New("database down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &countingRunner{err: tt.err}
			s := NewScheduler(runner, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))

			done := make(chan struct{})
			go func() {
				s.Start(context.Background())
				close(done)
			}()

			deadline := time.After(2 * time.Second)
			for runner.events.Load() < 2 {
				select {
				case <-deadline:
					t.Fatalf("scheduler swept %d times", runner.events.Load())
				case <-time.After(time.Millisecond):
				}
			}
			s.Stop()

			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("Start did not return after Stop")
			}
			if runner.scrapes.Load() < 2 {
				t.Errorf("scrape sweeps = %d", runner.scrapes.Load())
			}
		})
	}
}

func TestScheduler_ContextCancel(t *testing.T) {
	runner := &countingRunner{}
	s := NewScheduler(runner, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.Start(ctx)
	if runner.scrapes.Load() != 1 {
		t.Errorf("sweeps before exit = %d, want the immediate one", runner.scrapes.Load())
	}
}
