package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/storage"
)

// DefaultCacheTTL bounds how long a fetched matrix is reused.
const DefaultCacheTTL = 30 * time.Minute

// Resolver fetches matrices through a Provider with a
// content-addressed cache in front. Cache failures degrade to direct
// provider calls; they are never fatal.
type Resolver struct {
	Provider Provider
	Cache    storage.KV
	TTL      time.Duration
	Logger   *zap.Logger
}

// Result is a resolved matrix plus cache diagnostics. CacheDegraded is
// set when a cache read or write failed and the resolver fell through
// to the provider.
type Result struct {
	Matrix        *Matrix
	CacheHit      bool
	CacheDegraded bool
}

func NewResolver(provider Provider, cache storage.KV) *Resolver {
	return &Resolver{
		Provider: provider,
		Cache:    cache,
		TTL:      DefaultCacheTTL,
		Logger:   zap.NewNop(),
	}
}

// Resolve returns the matrix for the given coordinates and departure,
// from cache when possible.
func (r *Resolver) Resolve(ctx context.Context, coords []geo.Coordinate, departure time.Time) (Result, error) {
	if len(coords) < 2 {
		return Result{}, fmt.Errorf("need at least 2 coordinates, got %d", len(coords))
	}

	key := CacheKey(Fingerprint(coords, departure))
	result := Result{}

	if r.Cache != nil {
		cached, err := r.Cache.Get(ctx, key)
		switch {
		case err == nil:
			m := &Matrix{}
			if jsonErr := json.Unmarshal(cached, m); jsonErr == nil && m.N() == len(coords) && m.Valid() {
				r.Logger.Debug("matrix cache hit", zap.String("key", key))
				result.Matrix = m
				result.CacheHit = true
				return result, nil
			}
			// Undecodable or mis-sized value: treat as a miss and
			// overwrite below.
		case errors.Is(err, storage.ErrNotFound):
		default:
			result.CacheDegraded = true
			r.Logger.Warn("matrix cache read failed, falling through to provider",
				zap.String("key", key), zap.Error(err))
		}
	}

	r.Logger.Info("matrix cache miss, querying provider",
		zap.String("key", key), zap.Int("locations", len(coords)))

	m, err := r.Provider.FetchMatrix(ctx, coords, departure)
	if err != nil {
		return result, fmt.Errorf("fetching matrix: %w", err)
	}
	if !m.Valid() || m.N() != len(coords) {
		return result, fmt.Errorf("%w: malformed matrix for %d locations", ErrUpstream, len(coords))
	}
	result.Matrix = m

	if r.Cache != nil && !result.CacheDegraded {
		ttl := r.TTL
		if ttl == 0 {
			ttl = DefaultCacheTTL
		}
		encoded, err := json.Marshal(m)
		if err == nil {
			err = r.Cache.Set(ctx, key, encoded, ttl)
		}
		if err != nil {
			result.CacheDegraded = true
			r.Logger.Warn("matrix cache write failed",
				zap.String("key", key), zap.Error(err))
		}
	}

	return result, nil
}
