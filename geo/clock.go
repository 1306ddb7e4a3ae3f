package geo

import (
	"fmt"
	"strconv"
	"time"
)

// MinutesPerDay is the capacity of the solver's time dimension.
const MinutesPerDay = 24 * 60

// ParseClock converts an "HH:MM" string to minutes since midnight.
// "08:30" parses to 510.
func ParseClock(s string) (int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, fmt.Errorf("time must be in HH:MM format, got %q", s)
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("time must be in HH:MM format, got %q", s)
		}
	}
	h, err := strconv.Atoi(s[:2])
	if err != nil {
		return 0, fmt.Errorf("time must be in HH:MM format, got %q", s)
	}
	m, err := strconv.Atoi(s[3:])
	if err != nil {
		return 0, fmt.Errorf("time must be in HH:MM format, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time value %q", s)
	}
	return h*60 + m, nil
}

// FormatClock converts minutes since midnight to "HH:MM", wrapping at
// 24 hours. 510 formats to "08:30".
func FormatClock(minutes int) string {
	minutes = ((minutes % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// MinuteOfDay returns the minute of day of t in UTC. This anchors the
// solver's time dimension, so departure instants and stop windows must
// share the UTC wall clock.
//
// Seconds are truncated, never rounded: a 07:30:45 departure schedules
// from 07:30, while matrix lookups keep the exact instant. The sub-
// minute optimism is well inside traffic estimate noise.
func MinuteOfDay(t time.Time) int {
	utc := t.UTC()
	return utc.Hour()*60 + utc.Minute()
}
