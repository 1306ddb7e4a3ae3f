package route

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/matrix"
	"github.com/medtransit/routed/model"
)

var origin = geo.Coordinate{Lat: 40.7128, Lng: -74.0060}

func testStops() []model.Stop {
	return []model.Stop{
		{
			StopID:             "stop-a",
			Location:           geo.Coordinate{Lat: 40.7282, Lng: -73.7949},
			EarliestPickup:     "08:00",
			LatestPickup:       "08:30",
			ServiceTimeMinutes: 3,
		},
		{
			StopID:             "stop-b",
			Location:           geo.Coordinate{Lat: 40.6892, Lng: -74.0445},
			EarliestPickup:     "08:15",
			LatestPickup:       "08:45",
			ServiceTimeMinutes: 5,
		},
	}
}

// testMatrix is aligned to origin + testStops order: 10 min to stop-a,
// 12 min between the stops.
func testMatrix() *matrix.Matrix {
	m := matrix.New(3)
	m.Seconds = [][]int{
		{0, 600, 900},
		{600, 0, 720},
		{900, 720, 0},
	}
	m.Meters = [][]int{
		{0, 5000, 7500},
		{5000, 0, 6100},
		{7500, 6100, 0},
	}
	return m
}

func TestBuild(t *testing.T) {
	departure := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)
	resp := Build("drv-1", origin, testStops(), testMatrix(), departure)

	assert.Equal(t, "drv-1", resp.DriverID)
	require.Len(t, resp.OptimizedStops, 2)

	// 07:30 + 10 min travel arrives 07:40, but the window opens at
	// 08:00: the walk waits.
	first := resp.OptimizedStops[0]
	assert.Equal(t, "stop-a", first.StopID)
	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, "08:00", first.ArrivalTime)
	assert.Equal(t, "08:03", first.DepartureTime)

	// 08:03 + 12 min travel arrives 08:15, exactly at window open.
	second := resp.OptimizedStops[1]
	assert.Equal(t, "stop-b", second.StopID)
	assert.Equal(t, 2, second.Sequence)
	assert.Equal(t, "08:15", second.ArrivalTime)
	assert.Equal(t, "08:20", second.DepartureTime)

	// 5000 m + 6100 m
	assert.Equal(t, 11.1, resp.TotalDistanceKm)

	// 07:30 to 08:20
	assert.Equal(t, 50.0, resp.TotalDurationMinutes)
}

func TestMapsURL(t *testing.T) {
	stops := testStops()
	url := MapsURL(origin, stops)

	assert.Equal(
		t,
		"https://www.google.com/maps/dir/40.7128,-74.006/40.7282,-73.7949/40.6892,-74.0445",
		url,
	)

	// Coordinates only: no stop identifier may leak into the URL
	for _, s := range stops {
		assert.NotContains(t, url, s.StopID)
	}

	// Origin first, then stops in visit order
	segments := strings.Split(strings.TrimPrefix(url, "https://www.google.com/maps/dir/"), "/")
	require.Len(t, segments, 3)
	assert.Equal(t, origin.String(), segments[0])
}

func TestNaiveDuration(t *testing.T) {
	// 10 + 3 + 12 + 5 in input order
	assert.Equal(t, 30.0, NaiveDuration(testMatrix(), testStops()))
}

func TestScore(t *testing.T) {
	assert.Equal(t, 0.0, Score(50, 0))
	assert.Equal(t, 0.0, Score(60, 50))     // worse than naive clips to 0
	assert.Equal(t, 0.5, Score(30, 60))
	assert.InDelta(t, 0.25, Score(45, 60), 1e-9)
	assert.Equal(t, 0.0, Score(60, 60))
	assert.Equal(t, 1.0, Score(0, 60))
}

func TestSessionStops(t *testing.T) {
	stops := testStops()
	departure := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)
	resp := Build("drv-1", origin, stops, testMatrix(), departure)

	entries := SessionStops(stops, resp.OptimizedStops)
	require.Len(t, entries, 2)
	assert.Equal(t, "stop-a", entries[0].StopID)
	assert.Equal(t, "08:00", entries[0].ArrivalTime)
	assert.Equal(t, "08:00", entries[0].EarliestPickup)
	assert.Equal(t, 3, entries[0].ServiceTimeMinutes)
	assert.Equal(t, stops[1], entries[1].Stop())
}

func TestProject(t *testing.T) {
	stops := testStops()
	departure := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)
	resp := Build("drv-1", origin, stops, testMatrix(), departure)
	entries := SessionStops(stops, resp.OptimizedStops)

	// Projecting from the original departure over the same matrix
	// reproduces the published schedule.
	proj := Project(testMatrix(), geo.MinuteOfDay(departure), entries)
	require.Len(t, proj.ArrivalMin, 2)
	assert.Equal(t, "08:00", geo.FormatClock(proj.ArrivalMin[0]))
	assert.Equal(t, "08:15", geo.FormatClock(proj.ArrivalMin[1]))
	assert.Equal(t, resp.TotalDurationMinutes, proj.TotalMinutes)

	// A later start pushes arrivals out once the waits are used up.
	late := Project(testMatrix(), geo.MinuteOfDay(departure)+25, entries)
	assert.Greater(t, late.ArrivalMin[0], proj.ArrivalMin[0])
}
