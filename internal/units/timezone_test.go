package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTimezoneValid(t *testing.T) {
	t.Parallel()

	assert.True(t, IsTimezoneValid("UTC"))
	assert.True(t, IsTimezoneValid("America/New_York"))
	assert.False(t, IsTimezoneValid(""))
	assert.False(t, IsTimezoneValid("Mars/Olympus_Mons"))
}

func TestLocation_EmptyMeansUTC(t *testing.T) {
	t.Parallel()

	loc, err := Location("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = Location("Not/AZone")
	assert.Error(t, err)
}

func TestDateKey_UsesConfiguredTimezone(t *testing.T) {
	t.Parallel()

	// 2026-03-01 03:00 UTC is still 2026-02-28 in Los Angeles.
	instant := time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-01", DateKey(instant, time.UTC))

	la, err := Location("America/Los_Angeles")
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", DateKey(instant, la))
}

func TestSecondsUntilMidnight(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		at   time.Time
		want int
	}{
		{"one second in", time.Date(2026, 6, 1, 0, 0, 1, 0, time.UTC), 86399},
		{"noon", time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC), 43200},
		{"last minute", time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC), 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SecondsUntilMidnight(tt.at, time.UTC))
		})
	}
}

func TestDayWindow_CoversLocalDay(t *testing.T) {
	t.Parallel()

	la, err := Location("America/Los_Angeles")
	require.NoError(t, err)

	instant := time.Date(2026, 7, 15, 10, 0, 0, 0, la)
	start, end := DayWindow(instant, la)

	assert.Equal(t, 24*time.Hour, end.Sub(start))
	assert.True(t, start.Before(instant.UTC()))
	assert.True(t, end.After(instant.UTC()))
	assert.Equal(t, "2026-07-15", DateKey(start.Add(time.Minute), la))
}
