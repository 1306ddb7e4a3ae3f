// Package ingest processes driver telemetry: position reports and stop
// completions. Events are serialised per driver, the session schedule
// is re-projected against live traffic, and a drifted session is
// re-optimised and fanned out over the pub/sub bus.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medtransit/routed"
	"github.com/medtransit/routed/detect"
	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/matrix"
	"github.com/medtransit/routed/model"
	"github.com/medtransit/routed/route"
	"github.com/medtransit/routed/state"
	"github.com/medtransit/routed/storage"
)

// Notification codes sent back to the driver's connection.
const (
	CodeInvalidGPS         = "INVALID_GPS"
	CodeInvalidStopID      = "INVALID_STOP_ID"
	CodeDriverNotFound     = "DRIVER_NOT_FOUND"
	CodeOptimizationFailed = "OPTIMIZATION_FAILED"
	CodeRateLimited        = "RATE_LIMITED"
)

// Topic returns the pub/sub topic carrying route updates for a driver.
func Topic(driverID string) string {
	return "reroute:" + driverID
}

// Event is one telemetry report. A zero Timestamp means no position is
// attached; an empty CompletedStopID means no completion.
type Event struct {
	DriverID        string
	Location        geo.Coordinate
	Timestamp       time.Time
	CompletedStopID string

	// Notify, when set, receives validation and processing
	// notifications for this event. It must not block.
	Notify func(code, message string)
}

func (e Event) hasGPS() bool {
	return !e.Timestamp.IsZero()
}

func (e Event) notify(code, message string) {
	if e.Notify != nil {
		e.Notify(code, message)
	}
}

// RouteUpdate is the payload published on reroute:{driver_id}. It is
// the route_updated frame itself: the websocket layer forwards it
// verbatim, never re-wrapping it.
type RouteUpdate struct {
	Type                 string                `json:"type"`
	Reason               string                `json:"reason"`
	OptimizedStops       []model.OptimizedStop `json:"optimized_stops"`
	TotalDurationMinutes float64               `json:"total_duration_minutes"`
	GoogleMapsURL        string                `json:"google_maps_url"`
}

// Worker applies events to sessions and triggers re-routes. All calls
// for one driver must be serialised; the Dispatcher guarantees that.
type Worker struct {
	Store      *state.Store
	Resolver   *matrix.Resolver
	Pipeline   *routed.Pipeline
	Bus        storage.PubSub
	Thresholds detect.Thresholds
	Logger     *zap.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func NewWorker(
	store *state.Store,
	resolver *matrix.Resolver,
	pipeline *routed.Pipeline,
	bus storage.PubSub,
) *Worker {
	return &Worker{
		Store:      store,
		Resolver:   resolver,
		Pipeline:   pipeline,
		Bus:        bus,
		Thresholds: detect.DefaultThresholds(),
		Logger:     zap.NewNop(),
		Now:        time.Now,
	}
}

// Process applies one event. Client-caused problems are reported
// through the event's Notify and are not errors; an error return means
// the backend failed.
func (w *Worker) Process(ctx context.Context, ev Event) error {
	now := w.Now()

	var s *state.Session
	var err error

	if ev.hasGPS() {
		s, err = w.Store.UpdateGPS(ctx, ev.DriverID, ev.Location, ev.Timestamp)
		if errors.Is(err, storage.ErrNotFound) {
			ev.notify(CodeDriverNotFound, "no active session for driver "+ev.DriverID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("updating gps for %s: %w", ev.DriverID, err)
		}
	}

	if ev.CompletedStopID != "" {
		s, err = w.Store.MarkCompleted(ctx, ev.DriverID, ev.CompletedStopID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ev.notify(CodeDriverNotFound, "no active session for driver "+ev.DriverID)
			return nil
		case errors.Is(err, state.ErrUnknownStop):
			ev.notify(CodeInvalidStopID, fmt.Sprintf("stop %q is not the next stop", ev.CompletedStopID))
			s, err = w.Store.Get(ctx, ev.DriverID)
			if err != nil {
				return fmt.Errorf("loading session for %s: %w", ev.DriverID, err)
			}
		case err != nil:
			return fmt.Errorf("completing stop for %s: %w", ev.DriverID, err)
		}
	}

	if s == nil {
		return nil
	}
	if s.Status != state.StatusActive || len(s.Remaining()) == 0 || s.LastGPS == nil {
		return nil
	}

	if s, err = w.project(ctx, s, now); err != nil {
		return err
	}

	if trigger, reason := w.Thresholds.Decide(s, now); trigger {
		return w.reroute(ctx, ev, s, reason, now)
	}
	return nil
}

// project refreshes the session's remaining duration and schedule
// delay from a live matrix over the remaining stops. A provider outage
// keeps the previous projection; stale drift numbers are better than
// none.
func (w *Worker) project(ctx context.Context, s *state.Session, now time.Time) (*state.Session, error) {
	remaining := s.Remaining()

	coords := make([]geo.Coordinate, 0, len(remaining)+1)
	coords = append(coords, s.LastGPS.Location)
	for _, entry := range remaining {
		coords = append(coords, entry.Location)
	}

	res, err := w.Resolver.Resolve(ctx, coords, now)
	if err != nil {
		w.Logger.Warn("projection matrix unavailable",
			zap.String("driver_id", s.DriverID), zap.Error(err))
		return s, nil
	}

	proj := route.Project(res.Matrix, geo.MinuteOfDay(now), remaining)
	delay := 0.0
	if planned, perr := geo.ParseClock(remaining[0].ArrivalTime); perr == nil {
		if d := proj.ArrivalMin[0] - planned; d > 0 {
			delay = float64(d)
		}
	}

	return w.Store.Update(ctx, s.DriverID, func(cur *state.Session) error {
		cur.RemainingDurationMin = proj.TotalMinutes
		cur.ScheduleDelayMin = delay
		return nil
	})
}

func (w *Worker) reroute(ctx context.Context, ev Event, s *state.Session, reason detect.Reason, now time.Time) error {
	remaining := s.Remaining()
	stops := make([]model.Stop, len(remaining))
	for i, entry := range remaining {
		stops[i] = entry.Stop()
	}

	resp, err := w.Pipeline.Run(ctx, s.DriverID, s.LastGPS.Location, stops, now)
	if err != nil {
		w.Logger.Warn("re-optimization failed, keeping current route",
			zap.String("driver_id", s.DriverID),
			zap.String("reason", string(reason)),
			zap.Error(err))
		ev.notify(CodeOptimizationFailed, "re-optimization failed, current route unchanged")
		_, uerr := w.Store.Update(ctx, s.DriverID, func(cur *state.Session) error {
			cur.RerouteErrors++
			return nil
		})
		return uerr
	}

	byID := make(map[string]model.Stop, len(stops))
	for _, stop := range stops {
		byID[stop.StopID] = stop
	}
	ordered := make([]model.Stop, len(resp.OptimizedStops))
	for i, opt := range resp.OptimizedStops {
		ordered[i] = byID[opt.StopID]
	}
	entries := route.SessionStops(ordered, resp.OptimizedStops)

	if _, err := w.Store.RecordReroute(ctx, s.DriverID, entries, resp.TotalDurationMinutes); err != nil {
		return fmt.Errorf("recording reroute for %s: %w", s.DriverID, err)
	}

	payload, err := json.Marshal(RouteUpdate{
		Type:                 "route_updated",
		Reason:               string(reason),
		OptimizedStops:       resp.OptimizedStops,
		TotalDurationMinutes: resp.TotalDurationMinutes,
		GoogleMapsURL:        resp.GoogleMapsURL,
	})
	if err != nil {
		return fmt.Errorf("encoding route update for %s: %w", s.DriverID, err)
	}
	if err := w.Bus.Publish(ctx, Topic(s.DriverID), payload); err != nil {
		return fmt.Errorf("publishing route update for %s: %w", s.DriverID, err)
	}

	w.Logger.Info("route updated",
		zap.String("driver_id", s.DriverID),
		zap.String("reason", string(reason)),
		zap.Int("stops", len(entries)),
		zap.Float64("duration_min", resp.TotalDurationMinutes))
	return nil
}
