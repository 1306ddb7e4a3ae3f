package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/model"
	"github.com/medtransit/routed/storage"
)

// DefaultTTL is how long an untouched session survives. Every mutation
// rewrites the document and so refreshes it.
const DefaultTTL = 12 * time.Hour

// ErrUnknownStop is returned when a completion names a stop that is
// not the next remaining stop of the session.
var ErrUnknownStop = errors.New("stop is not the next remaining stop")

const lockStripes = 64

// Key returns the backend key for a driver's session document.
func Key(driverID string) string {
	return "driver:" + driverID + ":state"
}

// Store reads and writes sessions through a KV backend. Mutations on
// the same driver are serialised through a striped keyed mutex, so a
// position report racing an HTTP optimisation cannot interleave a
// read-modify-write.
type Store struct {
	kv  storage.KV
	ttl time.Duration
	mu  [lockStripes]sync.Mutex

	// Now is overridable in tests.
	Now func() time.Time
}

func NewStore(kv storage.KV, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{kv: kv, ttl: ttl, Now: time.Now}
}

func (st *Store) lock(driverID string) func() {
	h := fnv.New32a()
	h.Write([]byte(driverID))
	mu := &st.mu[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Get loads a driver's session. A missing or expired session is
// storage.ErrNotFound.
func (st *Store) Get(ctx context.Context, driverID string) (*Session, error) {
	raw, err := st.kv.Get(ctx, Key(driverID))
	if err != nil {
		return nil, err
	}
	s := &Session{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("decoding session for %s: %w", driverID, err)
	}
	return s, nil
}

// Save writes the session and refreshes its TTL.
func (st *Store) Save(ctx context.Context, s *Session) error {
	if s.DriverID == "" {
		return fmt.Errorf("session has no driver id")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session for %s: %w", s.DriverID, err)
	}
	return st.kv.Set(ctx, Key(s.DriverID), raw, st.ttl)
}

// Update atomically applies fn to the driver's session and saves the
// result. fn returning an error aborts without writing.
func (st *Store) Update(ctx context.Context, driverID string, fn func(*Session) error) (*Session, error) {
	unlock := st.lock(driverID)
	defer unlock()

	s, err := st.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := st.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// UpdateGPS records a position report.
func (st *Store) UpdateGPS(ctx context.Context, driverID string, loc geo.Coordinate, at time.Time) (*Session, error) {
	return st.Update(ctx, driverID, func(s *Session) error {
		s.LastGPS = &GPS{Location: loc, Timestamp: at}
		return nil
	})
}

// MarkCompleted records that the next remaining stop was picked up.
// Completions must arrive in route order; anything else is
// ErrUnknownStop and leaves the session unchanged.
func (st *Store) MarkCompleted(ctx context.Context, driverID, stopID string) (*Session, error) {
	return st.Update(ctx, driverID, func(s *Session) error {
		next, ok := s.NextStop()
		if !ok || next.StopID != stopID {
			return fmt.Errorf("%w: %q", ErrUnknownStop, stopID)
		}
		s.CompletedStopIDs = append(s.CompletedStopIDs, stopID)
		if len(s.Remaining()) == 0 {
			s.Status = StatusCompleted
		}
		return nil
	})
}

// AddStop appends a pickup to the driver's route and flags the change
// so the next telemetry event re-routes immediately, even inside the
// cooldown window.
func (st *Store) AddStop(ctx context.Context, driverID string, stop model.Stop) (*Session, error) {
	return st.Update(ctx, driverID, func(s *Session) error {
		if err := stop.Validate(); err != nil {
			return err
		}
		for _, entry := range s.Route {
			if entry.StopID == stop.StopID {
				return &model.ValidationError{
					Field:  "stop_id",
					Reason: fmt.Sprintf("stop %q is already on the route", stop.StopID),
				}
			}
		}
		// Sequence and arrival are placeholders until the re-route
		// recomputes the itinerary.
		s.Route = append(s.Route, model.RouteStop{
			OptimizedStop: model.OptimizedStop{
				StopID:   stop.StopID,
				Sequence: len(s.Route) + 1,
				Location: stop.Location,
			},
			EarliestPickup:     stop.EarliestPickup,
			LatestPickup:       stop.LatestPickup,
			ServiceTimeMinutes: stop.ServiceTimeMinutes,
		})
		s.Status = StatusActive
		s.StopsChanged = true
		s.StopsChangedKind = ChangeAdded
		return nil
	})
}

// CancelStop removes a not-yet-completed stop from the route and flags
// the change. Cancelling a completed or unknown stop is ErrUnknownStop.
func (st *Store) CancelStop(ctx context.Context, driverID, stopID string) (*Session, error) {
	return st.Update(ctx, driverID, func(s *Session) error {
		idx := -1
		for i, entry := range s.Route {
			if entry.StopID == stopID && !s.Completed(stopID) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: %q", ErrUnknownStop, stopID)
		}
		s.Route = append(s.Route[:idx], s.Route[idx+1:]...)
		s.StopsChanged = true
		s.StopsChangedKind = ChangeCancelled
		if len(s.Remaining()) == 0 {
			s.Status = StatusCompleted
		}
		return nil
	})
}

// RecordReroute installs a new route over the remaining stops and
// resets the drift tracking: the new remaining duration becomes the
// baseline even when the visit order did not change.
func (st *Store) RecordReroute(ctx context.Context, driverID string, route []model.RouteStop, durationMin float64) (*Session, error) {
	return st.Update(ctx, driverID, func(s *Session) error {
		kept := make([]model.RouteStop, 0, len(s.Route)+len(route))
		for _, entry := range s.Route {
			if s.Completed(entry.StopID) {
				kept = append(kept, entry)
			}
		}
		s.Route = append(kept, route...)
		s.BaselineDurationMin = durationMin
		s.RemainingDurationMin = durationMin
		s.ScheduleDelayMin = 0
		s.LastRerouteAt = st.Now()
		s.StopsChanged = false
		s.StopsChangedKind = ChangeNone
		s.Status = StatusActive
		return nil
	})
}

// Clear drops a driver's session.
func (st *Store) Clear(ctx context.Context, driverID string) error {
	unlock := st.lock(driverID)
	defer unlock()
	return st.kv.Delete(ctx, Key(driverID))
}
