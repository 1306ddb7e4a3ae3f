package geo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinateValidate(t *testing.T) {
	for _, tc := range []struct {
		Name  string
		Coord Coordinate
		OK    bool
	}{
		{"origin", Coordinate{0, 0}, true},
		{"manhattan", Coordinate{40.7128, -74.0060}, true},
		{"lat too high", Coordinate{90.1, 0}, false},
		{"lat too low", Coordinate{-90.1, 0}, false},
		{"lng too high", Coordinate{0, 180.1}, false},
		{"lng too low", Coordinate{0, -180.1}, false},
		{"poles", Coordinate{90, 180}, true},
	} {
		err := tc.Coord.Validate()
		if tc.OK {
			assert.NoError(t, err, tc.Name)
		} else {
			assert.Error(t, err, tc.Name)
		}
	}
}

func TestCoordinateString(t *testing.T) {
	assert.Equal(t, "40.7128,-74.006", Coordinate{40.7128, -74.0060}.String())
	assert.Equal(t, "40.712800,-74.006000", Coordinate{40.7128, -74.0060}.Key())
}

func TestHaversineKm(t *testing.T) {
	// Zero distance
	nyc := Coordinate{40.7128, -74.0060}
	assert.Equal(t, 0.0, HaversineKm(nyc, nyc))

	// NYC to LA is roughly 3936 km
	la := Coordinate{34.0522, -118.2437}
	d := HaversineKm(nyc, la)
	assert.InDelta(t, 3936, d, 50)

	// Symmetric
	assert.InDelta(t, d, HaversineKm(la, nyc), 1e-9)
}

func TestParseClock(t *testing.T) {
	for _, tc := range []struct {
		In      string
		Minutes int
		OK      bool
	}{
		{"00:00", 0, true},
		{"08:30", 510, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"8:30", 0, false},
		{"0830", 0, false},
		{"ab:cd", 0, false},
		{"-1:30", 0, false},
		{"", 0, false},
	} {
		m, err := ParseClock(tc.In)
		if tc.OK {
			require.NoError(t, err, tc.In)
			assert.Equal(t, tc.Minutes, m, tc.In)
		} else {
			assert.Error(t, err, tc.In)
		}
	}
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00", FormatClock(0))
	assert.Equal(t, "08:30", FormatClock(510))
	assert.Equal(t, "23:59", FormatClock(1439))

	// Wraps at 24h in both directions
	assert.Equal(t, "00:05", FormatClock(1445))
	assert.Equal(t, "23:55", FormatClock(-5))
}

func TestClockRoundTrip(t *testing.T) {
	for m := 0; m < MinutesPerDay; m++ {
		parsed, err := ParseClock(FormatClock(m))
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
}

func TestMinuteOfDay(t *testing.T) {
	utc := time.Date(2024, 1, 15, 7, 30, 45, 0, time.UTC)
	assert.Equal(t, 450, MinuteOfDay(utc))

	// Non-UTC instants are converted to UTC first
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, 450, MinuteOfDay(time.Date(2024, 1, 15, 2, 30, 0, 0, est)))
}
