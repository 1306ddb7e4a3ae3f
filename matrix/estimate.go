package matrix

import (
	"context"
	"math"
	"time"

	"github.com/medtransit/routed/geo"
)

// DefaultAverageSpeedKmh is a city-driving estimate used when no
// traffic provider is available.
const DefaultAverageSpeedKmh = 35.0

// Estimate is a Provider that derives travel times from great-circle
// distances at a fixed average speed. It backs offline batch runs and
// tests; it knows nothing about traffic.
type Estimate struct {
	AverageSpeedKmh float64
}

func NewEstimate() *Estimate {
	return &Estimate{AverageSpeedKmh: DefaultAverageSpeedKmh}
}

func (e *Estimate) FetchMatrix(ctx context.Context, coords []geo.Coordinate, departure time.Time) (*Matrix, error) {
	speed := e.AverageSpeedKmh
	if speed <= 0 {
		speed = DefaultAverageSpeedKmh
	}

	n := len(coords)
	m := New(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			km := geo.HaversineKm(coords[i], coords[j])
			m.Meters[i][j] = int(math.Round(km * 1000))
			m.Seconds[i][j] = int(math.Round(km / speed * 3600))
		}
	}
	return m, nil
}
