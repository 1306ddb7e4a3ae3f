// Package solver solves the single-vehicle routing problem with time
// windows and service times: given a travel-time matrix and per-stop
// pickup windows, it finds a visit order minimising total transit
// cost.
//
// The search is a cheapest-arc depth-first construction with
// branch-and-bound pruning, followed by 2-opt and Or-opt local search
// on the incumbent, all under a wall-clock limit. Exhausting the
// search space without a feasible tour is reported as ErrInfeasible;
// hitting the time limit with a feasible incumbent returns the
// incumbent. The two outcomes are never conflated.
package solver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medtransit/routed/geo"
)

// ErrInfeasible is returned when no visit order satisfies the time
// windows, slack and route budget.
var ErrInfeasible = errors.New(
	"no feasible route for the given time windows and travel times")

// Defaults for the scheduling constraints.
const (
	DefaultSlackMax       = 30               // minutes a driver may wait before a window opens
	DefaultRouteBudgetMin = 600              // 10-hour shift
	DefaultTimeLimit      = 10 * time.Second // solver wall-clock cap
)

// Window is a stop's pickup window in minutes of day.
type Window struct {
	Earliest int
	Latest   int
}

// Problem describes one solve. Node 0 of TravelSec is the origin;
// nodes 1..n are the stops, index-aligned with Windows and ServiceMin.
type Problem struct {
	TravelSec    [][]int  // (n+1)×(n+1) travel seconds
	Windows      []Window // per-stop pickup windows, length n
	ServiceMin   []int    // per-stop service minutes, length n
	DepartureMin int      // departure as minutes of day

	SlackMax       int           // max early-arrival wait; 0 means default
	RouteBudgetMin int           // max route span incl. return leg; 0 means default
	TimeLimit      time.Duration // wall-clock cap; 0 means default
}

func (p *Problem) validate() (int, error) {
	n := len(p.Windows)
	if n == 0 {
		return 0, fmt.Errorf("no stops to route")
	}
	if len(p.ServiceMin) != n {
		return 0, fmt.Errorf("have %d windows but %d service times", n, len(p.ServiceMin))
	}
	if len(p.TravelSec) != n+1 {
		return 0, fmt.Errorf("expected %d matrix rows, got %d", n+1, len(p.TravelSec))
	}
	for i, row := range p.TravelSec {
		if len(row) != n+1 {
			return 0, fmt.Errorf("matrix row %d: expected %d columns, got %d", i, n+1, len(row))
		}
	}
	if p.DepartureMin < 0 || p.DepartureMin >= geo.MinutesPerDay {
		return 0, fmt.Errorf("departure minute %d out of range", p.DepartureMin)
	}
	return n, nil
}

// search carries the solve state. Nodes are matrix indices: 0 is the
// origin, 1..n the stops.
type search struct {
	n         int
	transit   [][]int // transit[i][j] = travel minutes + service at i
	windows   []Window
	slack     int
	budgetEnd int // latest permitted cumul, incl. day capacity
	departure int

	deadline time.Time
	ticks    int

	best     []int // incumbent tour, stop nodes only
	bestCost int
	found    bool
}

// Solve returns the 0-based stop indices (matrix node minus one) in
// optimised visit order.
func Solve(ctx context.Context, p Problem) ([]int, error) {
	n, err := p.validate()
	if err != nil {
		return nil, err
	}

	slack := p.SlackMax
	if slack == 0 {
		slack = DefaultSlackMax
	}
	budget := p.RouteBudgetMin
	if budget == 0 {
		budget = DefaultRouteBudgetMin
	}
	limit := p.TimeLimit
	if limit == 0 {
		limit = DefaultTimeLimit
	}

	// Transit cost in whole minutes: travel plus service time at the
	// departure node. Service at the origin is zero.
	transit := make([][]int, n+1)
	for i := 0; i <= n; i++ {
		transit[i] = make([]int, n+1)
		service := 0
		if i > 0 {
			service = p.ServiceMin[i-1]
		}
		for j := 0; j <= n; j++ {
			transit[i][j] = p.TravelSec[i][j]/60 + service
		}
	}

	budgetEnd := p.DepartureMin + budget
	if budgetEnd > geo.MinutesPerDay {
		budgetEnd = geo.MinutesPerDay
	}

	s := &search{
		n:         n,
		transit:   transit,
		windows:   p.Windows,
		slack:     slack,
		budgetEnd: budgetEnd,
		departure: p.DepartureMin,
		deadline:  time.Now().Add(limit),
		bestCost:  1 << 30,
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(s.deadline) {
		s.deadline = ctxDeadline
	}

	visited := make([]bool, n+1)
	tour := make([]int, 0, n)
	s.extend(0, p.DepartureMin, 0, tour, visited)

	if !s.found {
		return nil, ErrInfeasible
	}

	s.localSearch()

	result := make([]int, n)
	for i, node := range s.best {
		result[i] = node - 1
	}
	return result, nil
}

// expired checks the wall-clock deadline, sampling the clock every few
// hundred expansions to keep the hot path cheap.
func (s *search) expired() bool {
	s.ticks++
	if s.ticks%256 != 0 {
		return false
	}
	return !time.Now().Before(s.deadline)
}

// arrive computes the cumul at node j when leaving node i at cumul t.
// Returns the new cumul and false when the move violates the window,
// slack or budget.
func (s *search) arrive(i, j, t int) (int, bool) {
	arrival := t + s.transit[i][j]
	w := s.windows[j-1]
	if arrival > w.Latest {
		return 0, false
	}
	if arrival < w.Earliest {
		if w.Earliest-arrival > s.slack {
			return 0, false
		}
		arrival = w.Earliest
	}
	// Leave room for the return leg within the budget.
	if arrival+s.transit[j][0] > s.budgetEnd {
		return 0, false
	}
	return arrival, true
}

// extend grows the partial tour ending at node i with cumul t and
// accumulated cost, trying unvisited stops cheapest-arc first.
func (s *search) extend(i, t, cost int, tour []int, visited []bool) {
	if s.expired() {
		return
	}

	if len(tour) == s.n {
		total := cost + s.transit[i][0]
		if total < s.bestCost {
			s.bestCost = total
			s.best = append(s.best[:0], tour...)
			s.found = true
		}
		return
	}

	// Candidate stops ordered by transit cost from i: the first
	// completion is the cheapest-arc constructive solution, and the
	// ordering keeps the branch-and-bound effective afterwards.
	type candidate struct {
		node  int
		cumul int
	}
	candidates := make([]candidate, 0, s.n-len(tour))
	for j := 1; j <= s.n; j++ {
		if visited[j] {
			continue
		}
		cumul, ok := s.arrive(i, j, t)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate{j, cumul})
	}
	for a := 1; a < len(candidates); a++ {
		for b := a; b > 0 && s.transit[i][candidates[b].node] < s.transit[i][candidates[b-1].node]; b-- {
			candidates[b], candidates[b-1] = candidates[b-1], candidates[b]
		}
	}

	for _, c := range candidates {
		arc := s.transit[i][c.node]
		if cost+arc >= s.bestCost {
			// Every completion through this child costs at
			// least this much. Children are cost-ordered, so
			// the rest are no better.
			break
		}
		visited[c.node] = true
		s.extend(c.node, c.cumul, cost+arc, append(tour, c.node), visited)
		visited[c.node] = false
	}
}

// evaluate walks a complete tour and returns its total transit cost
// including the return leg, or false when infeasible.
func (s *search) evaluate(tour []int) (int, bool) {
	t := s.departure
	cost := 0
	prev := 0
	for _, node := range tour {
		cumul, ok := s.arrive(prev, node, t)
		if !ok {
			return 0, false
		}
		cost += s.transit[prev][node]
		t = cumul
		prev = node
	}
	return cost + s.transit[prev][0], true
}

// localSearch polishes the incumbent with 2-opt segment reversals and
// Or-opt single-stop relocations until no move improves or the
// deadline passes.
func (s *search) localSearch() {
	improved := true
	for improved && time.Now().Before(s.deadline) {
		improved = false

		// 2-opt: reverse tour[a..b]
		for a := 0; a < len(s.best)-1; a++ {
			for b := a + 1; b < len(s.best); b++ {
				trial := make([]int, len(s.best))
				copy(trial, s.best)
				for l, r := a, b; l < r; l, r = l+1, r-1 {
					trial[l], trial[r] = trial[r], trial[l]
				}
				if cost, ok := s.evaluate(trial); ok && cost < s.bestCost {
					s.best = trial
					s.bestCost = cost
					improved = true
				}
			}
		}

		// Or-opt: relocate a single stop
		for from := 0; from < len(s.best); from++ {
			for to := 0; to < len(s.best); to++ {
				if from == to {
					continue
				}
				trial := make([]int, 0, len(s.best))
				trial = append(trial, s.best[:from]...)
				trial = append(trial, s.best[from+1:]...)
				trial = append(trial[:to], append([]int{s.best[from]}, trial[to:]...)...)
				if cost, ok := s.evaluate(trial); ok && cost < s.bestCost {
					s.best = trial
					s.bestCost = cost
					improved = true
				}
			}
		}
	}
}
