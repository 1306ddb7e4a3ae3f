// Package state persists per-driver tracking sessions in the shared
// key-value backend. A session is the authoritative copy of a driver's
// current route; websocket connections can come and go without losing
// it.
package state

import (
	"time"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/model"
)

// Session lifecycle.
const (
	StatusIdle      = "idle"
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// ChangeKind records what kind of stop-set change is pending on a
// session, so a triggered re-route can report the right reason.
type ChangeKind string

const (
	ChangeNone      ChangeKind = ""
	ChangeAdded     ChangeKind = "added"
	ChangeCancelled ChangeKind = "cancelled"
)

// GPS is the last reported driver position.
type GPS struct {
	Location  geo.Coordinate `json:"location"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is the JSON document stored at driver:{id}:state.
type Session struct {
	DriverID string            `json:"driver_id"`
	Status   string            `json:"status"`
	Route    []model.RouteStop `json:"route"`
	LastGPS  *GPS              `json:"last_gps,omitempty"`

	// CompletedStopIDs grows append-only as pickups finish; entries
	// are never removed by later re-routes.
	CompletedStopIDs []string `json:"completed_stop_ids"`

	// BaselineDurationMin is the remaining duration published with the
	// current route. RemainingDurationMin and ScheduleDelayMin are
	// refreshed on every position report.
	BaselineDurationMin  float64 `json:"baseline_duration_min"`
	RemainingDurationMin float64 `json:"remaining_duration_min"`
	ScheduleDelayMin     float64 `json:"schedule_delay_min"`

	LastRerouteAt    time.Time  `json:"last_reroute_at"`
	StopsChanged     bool       `json:"stops_changed"`
	StopsChangedKind ChangeKind `json:"stops_changed_kind,omitempty"`

	// RerouteErrors counts re-optimisation attempts that failed and
	// left the previous route in place.
	RerouteErrors int `json:"reroute_errors"`
}

// Completed reports whether stopID has already been picked up.
func (s *Session) Completed(stopID string) bool {
	for _, id := range s.CompletedStopIDs {
		if id == stopID {
			return true
		}
	}
	return false
}

// Remaining returns the route entries not yet completed, in route
// order.
func (s *Session) Remaining() []model.RouteStop {
	out := make([]model.RouteStop, 0, len(s.Route))
	for _, entry := range s.Route {
		if !s.Completed(entry.StopID) {
			out = append(out, entry)
		}
	}
	return out
}

// NextStop returns the first remaining stop, if any.
func (s *Session) NextStop() (model.RouteStop, bool) {
	for _, entry := range s.Route {
		if !s.Completed(entry.StopID) {
			return entry, true
		}
	}
	return model.RouteStop{}, false
}
