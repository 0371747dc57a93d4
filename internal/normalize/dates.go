package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// now is replaceable in tests; used only to infer a missing year.
var now = time.Now

// DateTimeMatch is the result of scanning free text for a date and time.
type DateTimeMatch struct {
	Start  time.Time
	End    *time.Time
	AllDay bool   // no time of day was found
	Rest   string // text left after removing the date, times and weekday words
}

var (
	monthFirstRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2})(?:st|nd|rd|th)?(?:,?\s+(\d{4}))?\b`)
	dayFirstRe   = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)
	isoDateRe    = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	numericRe    = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{2}|\d{4})\b`)

	timeRe     = regexp.MustCompile(`(?i)\b(noon|midnight|(\d{1,2})(?::(\d{2}))?\s*([ap])\.?\s*m\b\.?|(\d{1,2}):(\d{2}))`)
	rangeSepRe = regexp.MustCompile(`(?i)^\s*(?:-|–|—|to|until|thru|through)\s*`)
	weekdayRe  = regexp.MustCompile(`(?i)\b(?:(?:mon|tues|wednes|thurs|fri|satur|sun)day|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)\b\.?`)
	spacesRe   = regexp.MustCompile(`\s+`)
	leadingAt  = regexp.MustCompile(`(?i)^(?:at|@)\s+`)
)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

type span struct{ start, end int }

type clock struct {
	hour, minute int
	meridiem     byte // 'a', 'p' or 0
	span         span
}

// ExtractDateTime finds a date and optional time range in free text and
// resolves them in loc. It returns false when no date is present.
func ExtractDateTime(text string, loc *time.Location) (DateTimeMatch, bool) {
	if loc == nil {
		loc = time.UTC
	}
	text = spacesRe.ReplaceAllString(strings.ReplaceAll(text, " ", " "), " ")

	year, month, day, dateSpan, ok := findDate(text, loc)
	if !ok {
		return DateTimeMatch{}, false
	}

	cut := []span{dateSpan}
	match := DateTimeMatch{}

	startClock, endClock := findTimes(text, dateSpan)
	if startClock == nil {
		match.AllDay = true
		match.Start = time.Date(year, month, day, 0, 0, 0, 0, loc)
	} else {
		match.Start = time.Date(year, month, day, startClock.hour, startClock.minute, 0, 0, loc)
		cut = append(cut, startClock.span)
		if endClock != nil {
			end := time.Date(year, month, day, endClock.hour, endClock.minute, 0, 0, loc)
			if end.Before(match.Start) {
				end = end.AddDate(0, 0, 1)
			}
			match.End = &end
			cut = append(cut, span{startClock.span.end, endClock.span.end})
		}
	}

	match.Rest = remainder(text, cut)
	return match, true
}

// ParseDateTime parses separate date and time strings, as produced by
// distinct selectors, in loc.
func ParseDateTime(dateText, timeText string, loc *time.Location) (DateTimeMatch, bool) {
	return ExtractDateTime(strings.TrimSpace(dateText+" "+timeText), loc)
}

var machineLayouts = []struct {
	layout string
	naive  bool
	allDay bool
}{
	{time.RFC3339Nano, false, false},
	{time.RFC3339, false, false},
	{"2006-01-02T15:04:05Z0700", false, false},
	{time.RFC1123Z, false, false},
	{time.RFC1123, false, false},
	{time.RFC822Z, false, false},
	{time.RFC822, false, false},
	{"Mon, 2 Jan 2006 15:04:05 -0700", false, false},
	{"2006-01-02T15:04:05", true, false},
	{"2006-01-02T15:04", true, false},
	{"2006-01-02 15:04:05", true, false},
	{"2006-01-02 15:04", true, false},
	{"2006-01-02", true, true},
}

// ParseMachineTime parses machine-readable timestamps. Layouts without a zone
// are read in loc. allDay is true for bare dates.
func ParseMachineTime(s string, loc *time.Location) (t time.Time, allDay bool, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, l := range machineLayouts {
		var err error
		if l.naive {
			t, err = time.ParseInLocation(l.layout, s, loc)
		} else {
			t, err = time.Parse(l.layout, s)
		}
		if err == nil {
			return t, l.allDay, true
		}
	}
	return time.Time{}, false, false
}

// ParseAny tries machine layouts first and falls back to free text.
func ParseAny(s string, loc *time.Location) (DateTimeMatch, bool) {
	if t, allDay, ok := ParseMachineTime(s, loc); ok {
		return DateTimeMatch{Start: t, AllDay: allDay}, true
	}
	return ExtractDateTime(s, loc)
}

func findDate(text string, loc *time.Location) (int, time.Month, int, span, bool) {
	if m := isoDateRe.FindStringSubmatchIndex(text); m != nil {
		y, _ := strconv.Atoi(text[m[2]:m[3]])
		mo, _ := strconv.Atoi(text[m[4]:m[5]])
		d, _ := strconv.Atoi(text[m[6]:m[7]])
		if validDate(y, time.Month(mo), d) {
			return y, time.Month(mo), d, span{m[0], m[1]}, true
		}
	}
	if m := monthFirstRe.FindStringSubmatchIndex(text); m != nil {
		mo := monthIndex[strings.ToLower(text[m[2] : m[2]+3])]
		d, _ := strconv.Atoi(text[m[4]:m[5]])
		y := now().In(loc).Year()
		if m[6] >= 0 {
			y, _ = strconv.Atoi(text[m[6]:m[7]])
		}
		if validDate(y, mo, d) {
			return y, mo, d, span{m[0], m[1]}, true
		}
	}
	if m := dayFirstRe.FindStringSubmatchIndex(text); m != nil {
		d, _ := strconv.Atoi(text[m[2]:m[3]])
		mo := monthIndex[strings.ToLower(text[m[4] : m[4]+3])]
		y, _ := strconv.Atoi(text[m[6]:m[7]])
		if validDate(y, mo, d) {
			return y, mo, d, span{m[0], m[1]}, true
		}
	}
	if m := numericRe.FindStringSubmatchIndex(text); m != nil {
		mo, _ := strconv.Atoi(text[m[2]:m[3]])
		d, _ := strconv.Atoi(text[m[4]:m[5]])
		y, _ := strconv.Atoi(text[m[6]:m[7]])
		if y < 100 {
			y += 2000
		}
		if validDate(y, time.Month(mo), d) {
			return y, time.Month(mo), d, span{m[0], m[1]}, true
		}
	}
	return 0, 0, 0, span{}, false
}

func validDate(y int, m time.Month, d int) bool {
	if m < time.January || m > time.December || d < 1 || y < 1900 {
		return false
	}
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return t.Month() == m && t.Day() == d
}

// findTimes returns the first time of day outside the date span and, when it
// is followed by a range separator, the range end.
func findTimes(text string, dateSpan span) (*clock, *clock) {
	for _, m := range timeRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] < dateSpan.end && m[1] > dateSpan.start {
			continue
		}
		start, ok := parseClock(text, m)
		if !ok {
			continue
		}

		rest := text[m[1]:]
		sep := rangeSepRe.FindStringIndex(rest)
		if sep == nil {
			return start, nil
		}
		offset := m[1] + sep[1]
		em := timeRe.FindStringSubmatchIndex(text[offset:])
		if em == nil || em[0] != 0 {
			return start, nil
		}
		for i := range em {
			if em[i] >= 0 {
				em[i] += offset
			}
		}
		end, ok := parseClock(text, em)
		if !ok {
			return start, nil
		}
		if start.meridiem == 0 && end.meridiem == 'p' && start.hour < 12 && start.hour+12 <= end.hour {
			start.hour += 12
		}
		return start, end
	}
	return nil, nil
}

func parseClock(text string, m []int) (*clock, bool) {
	c := &clock{span: span{m[0], m[1]}}
	word := strings.ToLower(text[m[2]:m[3]])
	switch {
	case word == "noon":
		c.hour = 12
		return c, true
	case word == "midnight":
		return c, true
	case m[8] >= 0:
		h, _ := strconv.Atoi(text[m[4]:m[5]])
		if m[6] >= 0 {
			c.minute, _ = strconv.Atoi(text[m[6]:m[7]])
		}
		if h < 1 || h > 12 || c.minute > 59 {
			return nil, false
		}
		c.meridiem = strings.ToLower(text[m[8]:m[9]])[0]
		switch {
		case c.meridiem == 'p' && h != 12:
			h += 12
		case c.meridiem == 'a' && h == 12:
			h = 0
		}
		c.hour = h
		return c, true
	case m[10] >= 0:
		h, _ := strconv.Atoi(text[m[10]:m[11]])
		c.minute, _ = strconv.Atoi(text[m[12]:m[13]])
		if h > 23 || c.minute > 59 {
			return nil, false
		}
		c.hour = h
		return c, true
	}
	return nil, false
}

func remainder(text string, cuts []span) string {
	b := []byte(text)
	for _, c := range cuts {
		for i := c.start; i < c.end && i < len(b); i++ {
			b[i] = '|'
		}
	}
	rest := weekdayRe.ReplaceAllString(string(b), "|")

	parts := strings.FieldsFunc(rest, func(r rune) bool {
		return r == '|' || r == '·' || r == '•' || r == '–' || r == '—'
	})
	var kept []string
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), " ,;:-@")
		p = strings.TrimSpace(leadingAt.ReplaceAllString(p, ""))
		if p == "" || strings.EqualFold(p, "at") {
			continue
		}
		kept = append(kept, p)
	}
	return spacesRe.ReplaceAllString(strings.Join(kept, " "), " ")
}
