// Package routed optimises pickup routes for non-emergency medical
// transport drivers: traffic-aware travel matrices, a single-vehicle
// solver with pickup windows, and enriched itineraries. The live
// tracking subsystems build on it from the state, ingest and ws
// packages.
package routed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/matrix"
	"github.com/medtransit/routed/model"
	"github.com/medtransit/routed/route"
	"github.com/medtransit/routed/solver"
)

// Pipeline is the single optimisation entry point. The synchronous
// endpoint and the re-routing worker call it identically.
type Pipeline struct {
	MaxStops        int
	SlackMax        int
	RouteBudgetMin  int
	SolverTimeLimit time.Duration
	Logger          *zap.Logger

	// Now is the clock used to validate departure instants.
	// Overridable in tests.
	Now func() time.Time

	resolver *matrix.Resolver
}

func NewPipeline(resolver *matrix.Resolver) *Pipeline {
	return &Pipeline{
		MaxStops:        model.DefaultMaxStops,
		SlackMax:        solver.DefaultSlackMax,
		RouteBudgetMin:  solver.DefaultRouteBudgetMin,
		SolverTimeLimit: solver.DefaultTimeLimit,
		Logger:          zap.NewNop(),
		Now:             time.Now,
		resolver:        resolver,
	}
}

// Optimize validates a shift-start request and runs the full pipeline.
func (p *Pipeline) Optimize(ctx context.Context, req model.OptimizeRequest) (model.OptimizeResponse, error) {
	if err := req.Validate(p.Now(), p.MaxStops); err != nil {
		return model.OptimizeResponse{}, err
	}
	return p.Run(ctx, req.DriverID, req.DriverLocation, req.Stops, req.DepartureTime)
}

// Run optimises without request-shape validation. The re-routing
// worker calls it directly: the origin is the driver's current
// position, the departure is the event instant, and a single remaining
// stop is legal.
func (p *Pipeline) Run(
	ctx context.Context,
	driverID string,
	origin geo.Coordinate,
	stops []model.Stop,
	departure time.Time,
) (model.OptimizeResponse, error) {

	if len(stops) == 0 {
		return model.OptimizeResponse{}, fmt.Errorf("no stops to optimize")
	}

	// Coordinate list: index 0 = origin, 1..n = stops in input order.
	coords := make([]geo.Coordinate, 0, len(stops)+1)
	coords = append(coords, origin)
	for _, s := range stops {
		coords = append(coords, s.Location)
	}

	resolved, err := p.resolver.Resolve(ctx, coords, departure)
	if err != nil {
		if errors.Is(err, matrix.ErrUpstream) {
			return model.OptimizeResponse{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return model.OptimizeResponse{}, fmt.Errorf("resolving matrix: %w", err)
	}
	m := resolved.Matrix

	problem := solver.Problem{
		TravelSec:      m.Seconds,
		Windows:        make([]solver.Window, len(stops)),
		ServiceMin:     make([]int, len(stops)),
		DepartureMin:   geo.MinuteOfDay(departure),
		SlackMax:       p.SlackMax,
		RouteBudgetMin: p.RouteBudgetMin,
		TimeLimit:      p.SolverTimeLimit,
	}
	for i, s := range stops {
		earliest, err := geo.ParseClock(s.EarliestPickup)
		if err != nil {
			return model.OptimizeResponse{}, &model.ValidationError{
				Field: fmt.Sprintf("stops[%d].earliest_pickup", i), Reason: err.Error(),
			}
		}
		latest, err := geo.ParseClock(s.LatestPickup)
		if err != nil {
			return model.OptimizeResponse{}, &model.ValidationError{
				Field: fmt.Sprintf("stops[%d].latest_pickup", i), Reason: err.Error(),
			}
		}
		problem.Windows[i] = solver.Window{Earliest: earliest, Latest: latest}
		problem.ServiceMin[i] = s.ServiceTimeMinutes
	}

	order, err := solver.Solve(ctx, problem)
	if err != nil {
		if errors.Is(err, solver.ErrInfeasible) {
			return model.OptimizeResponse{}, fmt.Errorf(
				"%w (%d stops from departure %s)",
				ErrNoFeasibleRoute, len(stops), geo.FormatClock(problem.DepartureMin))
		}
		return model.OptimizeResponse{}, fmt.Errorf("solving: %w", err)
	}

	// Reorder the stops and realign the matrix to the optimised
	// visit order before building the itinerary.
	ordered := make([]model.Stop, len(order))
	for i, idx := range order {
		ordered[i] = stops[idx]
	}
	aligned := realign(m, order)

	resp := route.Build(driverID, origin, ordered, aligned, departure)
	resp.OptimizationScore = route.Score(
		resp.TotalDurationMinutes,
		route.NaiveDuration(m, stops),
	)

	p.Logger.Info("route optimized",
		zap.String("driver_id", driverID),
		zap.Int("stops", len(stops)),
		zap.Bool("cache_hit", resolved.CacheHit),
		zap.Float64("total_km", resp.TotalDistanceKm),
		zap.Float64("total_min", resp.TotalDurationMinutes),
		zap.Float64("score", resp.OptimizationScore))

	return resp, nil
}

// realign permutes a matrix so that index i+1 refers to the stop
// visited i-th. Index 0 (the origin) stays put.
func realign(m *matrix.Matrix, order []int) *matrix.Matrix {
	nodes := make([]int, len(order)+1)
	for i, idx := range order {
		nodes[i+1] = idx + 1
	}

	aligned := matrix.New(len(nodes))
	for r, rn := range nodes {
		for c, cn := range nodes {
			aligned.Seconds[r][c] = m.Seconds[rn][cn]
			aligned.Meters[r][c] = m.Meters[rn][cn]
		}
	}
	return aligned
}
