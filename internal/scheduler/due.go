// Package scheduler decides which sources are due and periodically asks the
// dispatcher to queue them.
package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/civicwire/civicwire/internal/models"
)

const (
	defaultRunAt     = "06:00"
	defaultRunDay    = time.Monday
	weeklyMinimumGap = 6 * 24 * time.Hour
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Source is the schedule view of a scrape or event source.
type Source struct {
	Kind      models.RunKind
	ID        int64
	Enabled   bool
	Schedule  models.Schedule
	LastRunAt *time.Time
	Location  *time.Location
}

// FromScrapeSource builds the schedule view of a scrape source. cityTZ is the
// fallback when the source config names no timezone.
func FromScrapeSource(s models.ScrapeSource, cityTZ string) Source {
	return Source{
		Kind:      models.RunKindScrape,
		ID:        s.ID,
		Enabled:   s.IsEnabled,
		Schedule:  s.Schedule,
		LastRunAt: s.LastRunAt,
		Location:  location(s.Config, cityTZ),
	}
}

// FromEventSource builds the schedule view of an event source.
func FromEventSource(s models.EventSource, cityTZ string) Source {
	return Source{
		Kind:      models.RunKindEvent,
		ID:        s.ID,
		Enabled:   s.IsActive,
		Schedule:  s.Schedule,
		LastRunAt: s.LastRunAt,
		Location:  location(s.Config, cityTZ),
	}
}

func location(cfg models.SourceConfig, cityTZ string) *time.Location {
	loc, err := cfg.TimeLocation(cityTZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DueSources returns the sources that should run at now, in input order.
// Sources with an unparseable cron expression are never due.
func DueSources(now time.Time, sources []Source) []Source {
	var due []Source
	for _, s := range sources {
		if ok, _ := IsDue(now, s); ok {
			due = append(due, s)
		}
	}
	return due
}

// IsDue reports whether one source should run at now.
func IsDue(now time.Time, s Source) (bool, error) {
	if !s.Enabled {
		return false, nil
	}
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	sched := s.Schedule

	if sched.Cron != nil && strings.TrimSpace(*sched.Cron) != "" {
		return cronDue(now.In(loc), *sched.Cron, s.LastRunAt)
	}
	if sched.Frequency == models.FrequencyManual {
		return false, nil
	}
	if s.LastRunAt == nil {
		return true, nil
	}

	local := now.In(loc)
	last := s.LastRunAt.In(loc)

	switch sched.Frequency {
	case models.FrequencyHourly:
		return now.Sub(*s.LastRunAt) >= time.Hour, nil
	case models.FrequencyDaily, "":
		return pastRunAt(local, sched.RunAt) && !sameDay(local, last), nil
	case models.FrequencyWeekly:
		day := defaultRunDay
		if sched.RunDayOfWeek != nil && *sched.RunDayOfWeek >= 0 && *sched.RunDayOfWeek <= 6 {
			day = time.Weekday(*sched.RunDayOfWeek)
		}
		return local.Weekday() == day && pastRunAt(local, sched.RunAt) && now.Sub(*s.LastRunAt) >= weeklyMinimumGap, nil
	default:
		return false, fmt.Errorf("unknown frequency %q", sched.Frequency)
	}
}

// cronDue reports whether the expression has fired since the last run. A
// sweep that runs late, or less often than the expression fires, still picks
// up the missed fire once. A never-run cron source is due.
func cronDue(local time.Time, expr string, lastRun *time.Time) (bool, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	if lastRun == nil {
		return true, nil
	}
	next := schedule.Next(lastRun.In(local.Location()))
	return !next.After(local), nil
}

func pastRunAt(local time.Time, runAt *string) bool {
	hour, minute := parseClock(defaultRunAt)
	if runAt != nil {
		if h, m := parseClock(*runAt); h >= 0 {
			hour, minute = h, m
		}
	}
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location())
	return !local.Before(at)
}

// parseClock reads "HH:MM"; it returns -1 on malformed input.
func parseClock(s string) (int, int) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return -1, 0
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return -1, 0
	}
	return h, m
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
