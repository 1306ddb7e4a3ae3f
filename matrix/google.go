package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/medtransit/routed/geo"
)

const googleEndpoint = "https://maps.googleapis.com/maps/api/distancematrix/json"

// ErrUpstream is wrapped by all provider failures: transport errors,
// non-OK API statuses and structurally invalid responses.
var ErrUpstream = errors.New("traffic provider unavailable")

const (
	DefaultFetchTimeout = 8 * time.Second
	retryBackoff        = 1 * time.Second
)

// Google is a Provider backed by the Google Distance Matrix API. Only
// coordinates and timestamps are sent upstream; stop identifiers never
// leave the service.
type Google struct {
	APIKey  string
	Timeout time.Duration

	// HTTPClient overrides the transport. Tests point this at a
	// local server.
	HTTPClient *http.Client

	// Endpoint overrides the API URL. Empty means production.
	Endpoint string
}

func NewGoogle(apiKey string) *Google {
	return &Google{
		APIKey:  apiKey,
		Timeout: DefaultFetchTimeout,
	}
}

// Types mirroring the Distance Matrix API response shape.
type googleResponse struct {
	Status string      `json:"status"`
	Rows   []googleRow `json:"rows"`
}

type googleRow struct {
	Elements []googleElement `json:"elements"`
}

type googleElement struct {
	Status            string       `json:"status"`
	Duration          *googleValue `json:"duration"`
	DurationInTraffic *googleValue `json:"duration_in_traffic"`
	Distance          *googleValue `json:"distance"`
}

type googleValue struct {
	Value int `json:"value"`
}

// FetchMatrix queries the Distance Matrix API in driving mode with the
// best_guess traffic model. A transport or API failure is retried once
// after a short backoff before being surfaced.
func (g *Google) FetchMatrix(ctx context.Context, coords []geo.Coordinate, departure time.Time) (*Matrix, error) {
	resp, err := g.query(ctx, coords, departure)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(retryBackoff):
		}
		resp, err = g.query(ctx, coords, departure)
	}
	if err != nil {
		return nil, err
	}

	return buildMatrix(resp, len(coords))
}

func (g *Google) query(ctx context.Context, coords []geo.Coordinate, departure time.Time) (*googleResponse, error) {
	places := make([]string, len(coords))
	for i, c := range coords {
		places[i] = c.String()
	}
	joined := strings.Join(places, "|")

	params := url.Values{}
	params.Set("origins", joined)
	params.Set("destinations", joined)
	params.Set("mode", "driving")
	params.Set("traffic_model", "best_guess")
	params.Set("departure_time", fmt.Sprintf("%d", departure.Unix()))
	params.Set("units", "metric")
	params.Set("key", g.APIKey)

	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = googleEndpoint
	}

	timeout := g.Timeout
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.Wrap(ErrUpstream, err.Error())
	}

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(ErrUpstream, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrUpstream, "status %d", resp.StatusCode)
	}

	var parsed googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(ErrUpstream, err.Error())
	}
	if parsed.Status != "OK" {
		return nil, errors.Wrapf(ErrUpstream, "api status %s", parsed.Status)
	}

	return &parsed, nil
}

func buildMatrix(resp *googleResponse, n int) (*Matrix, error) {
	if len(resp.Rows) != n {
		return nil, errors.Wrapf(ErrUpstream, "expected %d rows, got %d", n, len(resp.Rows))
	}

	m := New(n)
	for i, row := range resp.Rows {
		if len(row.Elements) != n {
			return nil, errors.Wrapf(
				ErrUpstream,
				"row %d: expected %d elements, got %d",
				i, n, len(row.Elements),
			)
		}
		for j, el := range row.Elements {
			if el.Status != "OK" || el.Distance == nil {
				// Unroutable pair. Fill with the sentinel so
				// the solver forbids the arc.
				m.Seconds[i][j] = UnreachableCost
				m.Meters[i][j] = UnreachableCost
				continue
			}
			// Prefer the traffic-adjusted duration when present.
			if el.DurationInTraffic != nil {
				m.Seconds[i][j] = el.DurationInTraffic.Value
			} else if el.Duration != nil {
				m.Seconds[i][j] = el.Duration.Value
			} else {
				m.Seconds[i][j] = UnreachableCost
			}
			m.Meters[i][j] = el.Distance.Value
		}
	}

	return m, nil
}
