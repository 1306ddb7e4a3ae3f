package routed

import "errors"

// The error kinds surfaced by the optimisation pipeline. Callers map
// them onto their boundary: the HTTP handler turns ErrNoFeasibleRoute
// into 422 and ErrUpstreamUnavailable into 502; the ingest worker
// turns both into an OPTIMIZATION_FAILED notification while keeping
// the previous route authoritative.
var (
	// ErrNoFeasibleRoute means no visit order satisfies the pickup
	// time windows. This is a loud, specific failure: a partial or
	// empty route is never returned.
	ErrNoFeasibleRoute = errors.New(
		"no feasible route: verify that all stops can be reached within " +
			"their pickup windows from the departure time")

	// ErrUpstreamUnavailable means the traffic provider failed or
	// returned a malformed matrix.
	ErrUpstreamUnavailable = errors.New("traffic provider unavailable")
)
