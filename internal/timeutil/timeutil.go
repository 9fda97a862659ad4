// Package timeutil formats and parses the timestamps stored in
// the database and carried in imported event files.
package timeutil

import (
	"strings"
	"time"
)

// StoreLayout is the fixed-width UTC layout used for stored
// timestamps, so that string comparison in SQL orders by time.
const StoreLayout = "2006-01-02T15:04:05.000Z"

// DateLayout is the calendar date layout used by query filters.
const DateLayout = "2006-01-02"

// Format returns t as an RFC3339Nano UTC string, or "" for the
// zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Ptr returns Format(t) as a pointer, or nil for the zero time.
func Ptr(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := Format(t)
	return &s
}

// Store formats t with StoreLayout. Unlike Format it keeps the
// zero time, which stores as year 0001.
func Store(t time.Time) string {
	return t.UTC().Format(StoreLayout)
}

var parseLayouts = []string{
	time.RFC3339Nano,
	StoreLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// Parse parses a stored or imported timestamp. Legacy zero dates
// such as "0000-00-00 00:00:00" parse to the zero time with
// legacy set; they carry no usable instant.
func Parse(s string) (t time.Time, legacy bool, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}
	if isZeroDate(s) {
		return time.Time{}, true, true
	}
	for _, layout := range parseLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			return v.UTC(), false, true
		}
	}
	return time.Time{}, false, false
}

// isZeroDate reports whether s has a zero year, month or day,
// which MySQL-era exports use for "no date".
func isZeroDate(s string) bool {
	if len(s) < len(DateLayout) {
		return false
	}
	date := s[:len(DateLayout)]
	return strings.HasPrefix(date, "0000-") ||
		date[5:7] == "00" || date[8:10] == "00"
}
