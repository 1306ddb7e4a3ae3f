package matrix

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/storage"
)

// Counts FetchMatrix calls and delegates to Estimate.
type countingProvider struct {
	calls int
	fail  error
	inner Provider
}

func (p *countingProvider) FetchMatrix(ctx context.Context, coords []geo.Coordinate, departure time.Time) (*Matrix, error) {
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	return p.inner.FetchMatrix(ctx, coords, departure)
}

// A KV that always errors.
type brokenKV struct{}

func (brokenKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (brokenKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("connection refused")
}
func (brokenKV) Delete(ctx context.Context, keys ...string) error {
	return errors.New("connection refused")
}
func (brokenKV) Ping(ctx context.Context) error {
	return errors.New("connection refused")
}

func TestResolverCachesWithinTTL(t *testing.T) {
	provider := &countingProvider{inner: NewEstimate()}
	resolver := NewResolver(provider, storage.NewMemory())

	coords := []geo.Coordinate{origin, stopA, stopB}
	departure := time.Date(2024, 1, 15, 7, 30, 0, 0, time.UTC)

	first, err := resolver.Resolve(context.Background(), coords, departure)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.False(t, first.CacheDegraded)
	assert.Equal(t, 1, provider.calls)

	// Second resolve within the TTL and hour bucket: no provider call
	second, err := resolver.Resolve(context.Background(), coords, departure.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, first.Matrix, second.Matrix)

	// Different hour bucket: new provider call
	_, err = resolver.Resolve(context.Background(), coords, departure.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestResolverCacheOutageDegrades(t *testing.T) {
	provider := &countingProvider{inner: NewEstimate()}
	resolver := NewResolver(provider, brokenKV{})

	coords := []geo.Coordinate{origin, stopA}
	result, err := resolver.Resolve(context.Background(), coords, time.Now())
	require.NoError(t, err)
	assert.True(t, result.CacheDegraded)
	assert.NotNil(t, result.Matrix)
	assert.Equal(t, 1, provider.calls)
}

func TestResolverProviderFailure(t *testing.T) {
	provider := &countingProvider{fail: ErrUpstream}
	resolver := NewResolver(provider, storage.NewMemory())

	_, err := resolver.Resolve(context.Background(), []geo.Coordinate{origin, stopA}, time.Now())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestResolverRejectsTooFewCoords(t *testing.T) {
	resolver := NewResolver(NewEstimate(), storage.NewMemory())
	_, err := resolver.Resolve(context.Background(), []geo.Coordinate{origin}, time.Now())
	assert.Error(t, err)
}

func TestGoogleProvider(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "driving", r.URL.Query().Get("mode"))
		assert.Equal(t, "best_guess", r.URL.Query().Get("traffic_model"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.NotEmpty(t, r.URL.Query().Get("departure_time"))

		w.Write([]byte(`{
			"status": "OK",
			"rows": [
				{"elements": [
					{"status": "OK", "duration": {"value": 0}, "distance": {"value": 0}},
					{"status": "OK", "duration": {"value": 600}, "duration_in_traffic": {"value": 720}, "distance": {"value": 5000}}
				]},
				{"elements": [
					{"status": "OK", "duration": {"value": 580}, "distance": {"value": 4900}},
					{"status": "OK", "duration": {"value": 0}, "distance": {"value": 0}}
				]}
			]
		}`))
	}))
	defer server.Close()

	g := NewGoogle("test-key")
	g.Endpoint = server.URL

	m, err := g.FetchMatrix(context.Background(), []geo.Coordinate{origin, stopA}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, requests)
	assert.Equal(t, 720, m.Seconds[0][1]) // traffic-adjusted wins
	assert.Equal(t, 580, m.Seconds[1][0]) // plain duration fallback
	assert.Equal(t, 5000, m.Meters[0][1])
}

func TestGoogleProviderRetriesOnce(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{
			"status": "OK",
			"rows": [
				{"elements": [
					{"status": "OK", "duration": {"value": 0}, "distance": {"value": 0}},
					{"status": "OK", "duration": {"value": 300}, "distance": {"value": 2000}}
				]},
				{"elements": [
					{"status": "OK", "duration": {"value": 310}, "distance": {"value": 2100}},
					{"status": "OK", "duration": {"value": 0}, "distance": {"value": 0}}
				]}
			]
		}`))
	}))
	defer server.Close()

	g := NewGoogle("test-key")
	g.Endpoint = server.URL

	m, err := g.FetchMatrix(context.Background(), []geo.Coordinate{origin, stopA}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
	assert.Equal(t, 300, m.Seconds[0][1])
}

func TestGoogleProviderFailsAfterRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewGoogle("test-key")
	g.Endpoint = server.URL

	_, err := g.FetchMatrix(context.Background(), []geo.Coordinate{origin, stopA}, time.Now())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestGoogleProviderAPIStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status": "REQUEST_DENIED", "rows": []}`))
	}))
	defer server.Close()

	g := NewGoogle("bad-key")
	g.Endpoint = server.URL

	_, err := g.FetchMatrix(context.Background(), []geo.Coordinate{origin, stopA}, time.Now())
	assert.ErrorIs(t, err, ErrUpstream)
}
