// Package detect decides when a live session has drifted far enough
// from its published route to warrant a re-optimisation.
package detect

import (
	"time"

	"github.com/medtransit/routed/state"
)

// Reason is the trigger reported in a route_updated frame.
type Reason string

const (
	ReasonTrafficDelay  Reason = "traffic_delay"
	ReasonStopAdded     Reason = "stop_added"
	ReasonStopCancelled Reason = "stop_cancelled"
)

// Default trigger thresholds.
const (
	DefaultDelayMin      = 5.0
	DefaultIncreaseRatio = 1.20
	DefaultMinInterval   = 5 * time.Minute
)

// Thresholds parameterise the trigger rules.
type Thresholds struct {
	// DelayMin triggers when the projected delay at the next stop
	// exceeds it, in minutes.
	DelayMin float64

	// IncreaseRatio triggers when the projected remaining duration
	// exceeds the published baseline by this factor.
	IncreaseRatio float64

	// MinInterval is the cooldown after a re-route during which
	// traffic-driven triggers are suppressed. Stop-set changes ignore
	// it: an added or cancelled stop re-routes immediately.
	MinInterval time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DelayMin:      DefaultDelayMin,
		IncreaseRatio: DefaultIncreaseRatio,
		MinInterval:   DefaultMinInterval,
	}
}

// Decide reports whether the session should be re-routed now, and why.
func (t Thresholds) Decide(s *state.Session, now time.Time) (bool, Reason) {
	if s.Status != state.StatusActive || len(s.Remaining()) == 0 {
		return false, ""
	}

	if s.StopsChanged {
		if s.StopsChangedKind == state.ChangeCancelled {
			return true, ReasonStopCancelled
		}
		return true, ReasonStopAdded
	}

	if !s.LastRerouteAt.IsZero() && now.Sub(s.LastRerouteAt) < t.MinInterval {
		return false, ""
	}

	if s.ScheduleDelayMin > t.DelayMin {
		return true, ReasonTrafficDelay
	}
	if s.BaselineDurationMin > 0 && s.RemainingDurationMin > s.BaselineDurationMin*t.IncreaseRatio {
		return true, ReasonTrafficDelay
	}

	return false, ""
}
