package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtransit/routed/geo"
)

func validStop(id string) Stop {
	return Stop{
		StopID:             id,
		Location:           geo.Coordinate{Lat: 40.7282, Lng: -73.7949},
		EarliestPickup:     "08:00",
		LatestPickup:       "08:30",
		ServiceTimeMinutes: 5,
	}
}

func validRequest() OptimizeRequest {
	return OptimizeRequest{
		DriverID:       "drv-1",
		DriverLocation: geo.Coordinate{Lat: 40.7128, Lng: -74.0060},
		DepartureTime:  time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC),
		Stops:          []Stop{validStop("stop-a"), validStop("stop-b")},
	}
}

var testNow = time.Date(2024, 1, 15, 7, 0, 0, 0, time.UTC)

func TestStopValidate(t *testing.T) {
	require.NoError(t, validStop("s").Validate())

	for _, tc := range []struct {
		Name   string
		Mutate func(*Stop)
	}{
		{"empty id", func(s *Stop) { s.StopID = "" }},
		{"bad lat", func(s *Stop) { s.Location.Lat = 91 }},
		{"bad lng", func(s *Stop) { s.Location.Lng = -181 }},
		{"bad earliest", func(s *Stop) { s.EarliestPickup = "8:00" }},
		{"bad latest", func(s *Stop) { s.LatestPickup = "25:00" }},
		{"window inverted", func(s *Stop) { s.EarliestPickup = "09:00" }},
		{"window empty", func(s *Stop) { s.LatestPickup = "08:00" }},
		{"service too short", func(s *Stop) { s.ServiceTimeMinutes = 0 }},
		{"service too long", func(s *Stop) { s.ServiceTimeMinutes = 61 }},
	} {
		s := validStop("s")
		tc.Mutate(&s)
		err := s.Validate()
		assert.Error(t, err, tc.Name)

		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, tc.Name)
	}
}

func TestRequestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate(testNow, 25))

	for _, tc := range []struct {
		Name   string
		Mutate func(*OptimizeRequest)
	}{
		{"empty driver", func(r *OptimizeRequest) { r.DriverID = "" }},
		{"bad origin", func(r *OptimizeRequest) { r.DriverLocation.Lat = -95 }},
		{"zero departure", func(r *OptimizeRequest) { r.DepartureTime = time.Time{} }},
		{"past departure", func(r *OptimizeRequest) {
			r.DepartureTime = testNow.Add(-time.Hour)
		}},
		{"non-UTC departure", func(r *OptimizeRequest) {
			est := time.FixedZone("EST", -5*3600)
			r.DepartureTime = time.Date(2024, 1, 15, 9, 30, 0, 0, est)
		}},
		{"too few stops", func(r *OptimizeRequest) { r.Stops = r.Stops[:1] }},
		{"invalid stop", func(r *OptimizeRequest) { r.Stops[1].ServiceTimeMinutes = 0 }},
		{"duplicate stop", func(r *OptimizeRequest) { r.Stops[1].StopID = r.Stops[0].StopID }},
	} {
		r := validRequest()
		tc.Mutate(&r)
		assert.Error(t, r.Validate(testNow, 25), tc.Name)
	}
}

func TestRequestValidateMaxStops(t *testing.T) {
	r := validRequest()
	for i := 0; i < 24; i++ {
		r.Stops = append(r.Stops, validStop(string(rune('a'+i))))
	}
	require.Len(t, r.Stops, 26)

	assert.Error(t, r.Validate(testNow, 25))
	assert.NoError(t, r.Validate(testNow, 30))

	// maxStops <= 0 falls back to the default of 25
	assert.Error(t, r.Validate(testNow, 0))
	r.Stops = r.Stops[:25]
	assert.NoError(t, r.Validate(testNow, 0))
}

func TestRouteStopRoundTrip(t *testing.T) {
	orig := validStop("stop-a")
	rs := RouteStop{
		OptimizedStop: OptimizedStop{
			StopID:        orig.StopID,
			Sequence:      1,
			Location:      orig.Location,
			ArrivalTime:   "08:05",
			DepartureTime: "08:10",
		},
		EarliestPickup:     orig.EarliestPickup,
		LatestPickup:       orig.LatestPickup,
		ServiceTimeMinutes: orig.ServiceTimeMinutes,
	}
	assert.Equal(t, orig, rs.Stop())
}
