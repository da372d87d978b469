package utils

import (
	"fmt"
	"time"
)

// ParseDate accepts a calendar date (2006-01-02) or an RFC 3339 timestamp and
// returns midnight UTC of that day.
func ParseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty date value")
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse date %q: expected YYYY-MM-DD or RFC 3339", value)
		}
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// FormatDate renders t as a calendar date, or "" for the zero time.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

// ParseDates parses every value with ParseDate.
func ParseDates(values []string) ([]time.Time, error) {
	out := make([]time.Time, len(values))
	for i, v := range values {
		t, err := ParseDate(v)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}
