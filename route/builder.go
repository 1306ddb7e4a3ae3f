// Package route turns a solved visit order and its travel matrix into
// an enriched itinerary: per-stop ETAs, totals, a coordinates-only
// navigation URL and the optimisation score. It also re-projects
// arrival times for live sessions.
package route

import (
	"math"
	"strings"
	"time"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/matrix"
	"github.com/medtransit/routed/model"
)

const mapsURLPrefix = "https://www.google.com/maps/dir/"

// Build assembles the final itinerary. The stops must already be in
// visit order, and the matrix must be index-aligned to that order:
// index 0 is the origin, index i+1 is stops[i].
//
// The walk accumulates clock = max(clock + travel, earliest) at each
// stop, then adds the service time. Early arrivals therefore wait for
// the window to open; the solver has already bounded that wait by the
// slack.
func Build(
	driverID string,
	origin geo.Coordinate,
	stops []model.Stop,
	m *matrix.Matrix,
	departure time.Time,
) model.OptimizeResponse {

	departureMin := geo.MinuteOfDay(departure)
	clock := departureMin
	prev := 0
	totalMeters := 0

	optimized := make([]model.OptimizedStop, len(stops))
	for i, stop := range stops {
		node := i + 1

		arrival := clock + m.Seconds[prev][node]/60
		if earliest, err := geo.ParseClock(stop.EarliestPickup); err == nil && arrival < earliest {
			arrival = earliest
		}

		optimized[i] = model.OptimizedStop{
			StopID:        stop.StopID,
			Sequence:      i + 1,
			Location:      stop.Location,
			ArrivalTime:   geo.FormatClock(arrival),
			DepartureTime: geo.FormatClock(arrival + stop.ServiceTimeMinutes),
		}

		totalMeters += m.Meters[prev][node]
		clock = arrival + stop.ServiceTimeMinutes
		prev = node
	}

	return model.OptimizeResponse{
		DriverID:             driverID,
		OptimizedStops:       optimized,
		TotalDistanceKm:      math.Round(float64(totalMeters)/10) / 100,
		TotalDurationMinutes: float64(clock - departureMin),
		GoogleMapsURL:        MapsURL(origin, stops),
	}
}

// MapsURL renders a Google Maps directions URL over bare coordinates,
// origin first. Stop identifiers never appear in it.
func MapsURL(origin geo.Coordinate, stops []model.Stop) string {
	parts := make([]string, 0, len(stops)+1)
	parts = append(parts, origin.String())
	for _, s := range stops {
		parts = append(parts, s.Location.String())
	}
	return mapsURLPrefix + strings.Join(parts, "/")
}

// NaiveDuration is the travel+service cost of visiting the stops in
// the caller's input order through the same matrix. It is a scalar
// reference for the optimisation score only: the input order need not
// be feasible.
func NaiveDuration(m *matrix.Matrix, stops []model.Stop) float64 {
	total := 0
	prev := 0
	for i, stop := range stops {
		node := i + 1
		total += m.Seconds[prev][node] / 60
		total += stop.ServiceTimeMinutes
		prev = node
	}
	return float64(total)
}

// Score compares the optimised duration to the input-order baseline:
// 1 - total/naive, clipped to [0, 1]. Zero means no improvement (or no
// usable baseline); values toward 1 mean large savings.
func Score(totalMinutes, naiveMinutes float64) float64 {
	if naiveMinutes <= 0 {
		return 0
	}
	score := 1 - totalMinutes/naiveMinutes
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// SessionStops zips the ordered input stops with their optimised
// schedule into session route entries that keep the windows and
// service times for later re-optimisation.
func SessionStops(ordered []model.Stop, optimized []model.OptimizedStop) []model.RouteStop {
	entries := make([]model.RouteStop, len(optimized))
	for i, opt := range optimized {
		entries[i] = model.RouteStop{
			OptimizedStop:      opt,
			EarliestPickup:     ordered[i].EarliestPickup,
			LatestPickup:       ordered[i].LatestPickup,
			ServiceTimeMinutes: ordered[i].ServiceTimeMinutes,
		}
	}
	return entries
}

// Projection is the re-projected schedule for the remaining stops of a
// live session.
type Projection struct {
	// ArrivalMin holds the projected arrival minute-of-day for each
	// remaining stop, in route order.
	ArrivalMin []int

	// TotalMinutes is the projected remaining duration from the
	// current position through the last stop, waits included.
	TotalMinutes float64
}

// Project walks the remaining route from the driver's current position
// using a fresh matrix aligned as: index 0 = current position, index
// i+1 = stops[i]. The walk matches Build so projected arrivals are
// comparable with the published itinerary.
func Project(m *matrix.Matrix, startMin int, stops []model.RouteStop) Projection {
	proj := Projection{ArrivalMin: make([]int, len(stops))}

	clock := startMin
	prev := 0
	for i, stop := range stops {
		node := i + 1

		arrival := clock + m.Seconds[prev][node]/60
		if earliest, err := geo.ParseClock(stop.EarliestPickup); err == nil && arrival < earliest {
			arrival = earliest
		}
		proj.ArrivalMin[i] = arrival

		clock = arrival + stop.ServiceTimeMinutes
		prev = node
	}

	proj.TotalMinutes = float64(clock - startMin)
	return proj
}
