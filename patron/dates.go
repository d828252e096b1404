package patron

import (
	"strings"
	"time"
)

// Layouts the vendor and hand-edited exports have been seen to use.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006/01/02",
	"20060102",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04:05",
	"1/2/2006 15:04",
	"01-02-2006",
	"1/2/06",
	"01/02/06",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"02-Jan-2006",
}

// ParseDate parses s with the first layout that fits. The result is truncated
// to midnight UTC of the calendar day so comparisons ignore time of day.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Day(t), true
		}
	}
	return time.Time{}, false
}

// Day returns midnight UTC of t's calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseCutoff parses an explicit cutoff date, or returns today when s is empty.
func ParseCutoff(s string, now time.Time) (time.Time, bool) {
	if strings.TrimSpace(s) == "" {
		return Day(now), true
	}
	return ParseDate(s)
}
