// Package units holds timezone and calendar helpers shared by the daily
// counters and the report tooling. All persisted timestamps are UTC; these
// helpers convert to the site's configured timezone for day boundaries.
package units

import (
	"fmt"
	"time"
)

// IsTimezoneValid reports whether tz loads from the system tz database.
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// Location resolves a configured timezone name. Empty means UTC.
func Location(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	return loc, nil
}

// DateKey formats t as YYYY-MM-DD in loc. Daily counter keys and report
// queries use this as the day identity.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}

// NextMidnight returns the first instant of the next day in loc.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// SecondsUntilMidnight returns the remaining seconds of t's day in loc,
// rounded down. Always at least 1 for an in-day instant.
func SecondsUntilMidnight(t time.Time, loc *time.Location) int {
	return int(NextMidnight(t, loc).Sub(t) / time.Second)
}

// DayWindow returns the [start, end) UTC instants covering t's day in loc.
// The report queries counter_events with this window.
func DayWindow(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}
