// Package model defines the request, response and itinerary types
// exchanged at the service boundary, along with their validation.
package model

import (
	"fmt"
	"time"

	"github.com/medtransit/routed/geo"
)

// A pickup stop as supplied by the caller. The stop ID is an opaque
// caller-managed identifier; it must never be correlated with any
// person and is the only identifier that crosses trust boundaries.
type Stop struct {
	StopID             string         `json:"stop_id"`
	Location           geo.Coordinate `json:"location"`
	EarliestPickup     string         `json:"earliest_pickup"`
	LatestPickup       string         `json:"latest_pickup"`
	ServiceTimeMinutes int            `json:"service_time_minutes"`
}

// A stop in a published itinerary.
type OptimizedStop struct {
	StopID        string         `json:"stop_id"`
	Sequence      int            `json:"sequence"`
	Location      geo.Coordinate `json:"location"`
	ArrivalTime   string         `json:"arrival_time"`
	DepartureTime string         `json:"departure_time"`
}

// RouteStop is an itinerary entry as stored in a driver session. It
// carries the original window and service time alongside the planned
// schedule so that a re-optimisation over the remaining stops honours
// the real constraints.
type RouteStop struct {
	OptimizedStop
	EarliestPickup     string `json:"earliest_pickup"`
	LatestPickup       string `json:"latest_pickup"`
	ServiceTimeMinutes int    `json:"service_time_minutes"`
}

// Stop reconstructs the caller-shaped stop from a session entry.
func (r RouteStop) Stop() Stop {
	return Stop{
		StopID:             r.StopID,
		Location:           r.Location,
		EarliestPickup:     r.EarliestPickup,
		LatestPickup:       r.LatestPickup,
		ServiceTimeMinutes: r.ServiceTimeMinutes,
	}
}

type OptimizeRequest struct {
	DriverID       string         `json:"driver_id"`
	DriverLocation geo.Coordinate `json:"driver_location"`
	DepartureTime  time.Time      `json:"departure_time"`
	Stops          []Stop         `json:"stops"`
}

type OptimizeResponse struct {
	DriverID             string          `json:"driver_id"`
	OptimizedStops       []OptimizedStop `json:"optimized_stops"`
	TotalDistanceKm      float64         `json:"total_distance_km"`
	TotalDurationMinutes float64         `json:"total_duration_minutes"`
	GoogleMapsURL        string          `json:"google_maps_url"`
	OptimizationScore    float64         `json:"optimization_score"`
}

// ValidationError reports a request that the caller must fix. The
// service maps it to HTTP 422.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Bounds on stops per request and service duration.
const (
	MinStops          = 2
	DefaultMaxStops   = 25
	MinServiceMinutes = 1
	MaxServiceMinutes = 60
)

// Validate checks a single stop: coordinate ranges, window shape and
// ordering, service duration bounds.
func (s Stop) Validate() error {
	if s.StopID == "" {
		return invalid("stop_id", "must not be empty")
	}
	if err := s.Location.Validate(); err != nil {
		return invalid("location", "%v", err)
	}
	earliest, err := geo.ParseClock(s.EarliestPickup)
	if err != nil {
		return invalid("earliest_pickup", "%v", err)
	}
	latest, err := geo.ParseClock(s.LatestPickup)
	if err != nil {
		return invalid("latest_pickup", "%v", err)
	}
	if earliest >= latest {
		return invalid(
			"earliest_pickup",
			"%s must be before latest_pickup %s",
			s.EarliestPickup, s.LatestPickup,
		)
	}
	if s.ServiceTimeMinutes < MinServiceMinutes || s.ServiceTimeMinutes > MaxServiceMinutes {
		return invalid(
			"service_time_minutes",
			"must be between %d and %d, got %d",
			MinServiceMinutes, MaxServiceMinutes, s.ServiceTimeMinutes,
		)
	}
	return nil
}

// Validate checks the full request against the input bounds. Stop
// windows are interpreted in the same wall clock as the departure
// instant, so the departure must be expressed in UTC; any other offset
// is ambiguous and rejected.
func (r OptimizeRequest) Validate(now time.Time, maxStops int) error {
	if maxStops <= 0 {
		maxStops = DefaultMaxStops
	}
	if r.DriverID == "" {
		return invalid("driver_id", "must not be empty")
	}
	if err := r.DriverLocation.Validate(); err != nil {
		return invalid("driver_location", "%v", err)
	}
	if r.DepartureTime.IsZero() {
		return invalid("departure_time", "must be set")
	}
	if _, offset := r.DepartureTime.Zone(); offset != 0 {
		return invalid("departure_time", "must be expressed in UTC")
	}
	if r.DepartureTime.Before(now) {
		return invalid("departure_time", "must not be in the past")
	}
	if len(r.Stops) < MinStops || len(r.Stops) > maxStops {
		return invalid(
			"stops",
			"must contain between %d and %d items, got %d",
			MinStops, maxStops, len(r.Stops),
		)
	}
	seen := map[string]bool{}
	for i, stop := range r.Stops {
		if err := stop.Validate(); err != nil {
			return invalid(fmt.Sprintf("stops[%d]", i), "%v", err)
		}
		if seen[stop.StopID] {
			return invalid(fmt.Sprintf("stops[%d]", i), "duplicate stop_id %q", stop.StopID)
		}
		seen[stop.StopID] = true
	}
	return nil
}
