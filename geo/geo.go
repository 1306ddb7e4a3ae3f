// Package geo holds the coordinate and clock primitives shared by the
// optimizer, the matrix resolver and the live tracking path.
package geo

import (
	"fmt"
	"math"
)

const earthRadiusKm = 6371.0

// A WGS84 coordinate. Immutable by convention: all operations return
// new values.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks that the coordinate lies within the valid WGS84
// ranges.
func (c Coordinate) Validate() error {
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("lat must be between -90 and 90, got %v", c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("lng must be between -180 and 180, got %v", c.Lng)
	}
	return nil
}

// String renders the coordinate as "lat,lng" at full precision. This
// is the form used in navigation URLs and provider requests.
func (c Coordinate) String() string {
	return fmt.Sprintf("%v,%v", c.Lat, c.Lng)
}

// Key renders the coordinate at 6 decimal places (roughly 10 cm of
// precision). Matrix cache fingerprints use this form so that GPS
// jitter below that scale doesn't fragment the cache.
func (c Coordinate) Key() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// HaversineKm returns the great-circle distance between two
// coordinates in kilometers.
func HaversineKm(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
