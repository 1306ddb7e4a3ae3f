// Package matrix resolves traffic-aware travel-time and distance
// matrices for a set of coordinates, with a content-addressed cache in
// front of the traffic provider.
package matrix

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"time"

	"github.com/medtransit/routed/geo"
)

// UnreachableCost marks matrix entries the provider could not route.
// The solver treats such arcs as forbidden.
const UnreachableCost = 999999

// Matrix holds pairwise travel costs for N locations. Index 0 is the
// origin; 1..N-1 are stops in caller order. The diagonal is zero.
type Matrix struct {
	Seconds [][]int `json:"time_matrix"`     // travel time in seconds
	Meters  [][]int `json:"distance_matrix"` // distance in metres
}

// New returns a zeroed n×n matrix.
func New(n int) *Matrix {
	m := &Matrix{
		Seconds: make([][]int, n),
		Meters:  make([][]int, n),
	}
	for i := 0; i < n; i++ {
		m.Seconds[i] = make([]int, n)
		m.Meters[i] = make([]int, n)
	}
	return m
}

// N returns the matrix dimension.
func (m *Matrix) N() int {
	return len(m.Seconds)
}

// Valid reports whether both grids are square, equally sized and
// non-empty.
func (m *Matrix) Valid() bool {
	n := len(m.Seconds)
	if n == 0 || len(m.Meters) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if len(m.Seconds[i]) != n || len(m.Meters[i]) != n {
			return false
		}
	}
	return true
}

// Fingerprint computes the cache key for a coordinate set and
// departure instant: an MD5 over the sorted 6-decimal coordinate
// strings and the UTC departure hour. Sorting makes the key
// insensitive to caller order; the hour bucket bounds how stale the
// traffic conditions behind a cached matrix can be.
func Fingerprint(coords []geo.Coordinate, departure time.Time) string {
	keys := make([]string, len(coords))
	for i, c := range coords {
		keys[i] = c.Key()
	}
	sort.Strings(keys)

	h := md5.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s|", k)
	}
	fmt.Fprint(h, departure.UTC().Format("2006010215"))

	return fmt.Sprintf("%x", h.Sum(nil))
}

// CacheKey is the storage key for a fingerprint.
func CacheKey(fingerprint string) string {
	return "matrix:" + fingerprint
}

// Provider fetches a travel matrix for the given locations, departing
// at the given instant.
type Provider interface {
	FetchMatrix(ctx context.Context, coords []geo.Coordinate, departure time.Time) (*Matrix, error)
}
