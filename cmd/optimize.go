package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"
	"github.com/spkg/bom"

	"github.com/medtransit/routed"
	"github.com/medtransit/routed/geo"
	"github.com/medtransit/routed/matrix"
	"github.com/medtransit/routed/model"
	"github.com/medtransit/routed/storage"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize <stops.csv>",
	Short: "Optimize a route from a CSV of stops",
	Long: "Reads stops from a CSV with columns stop_id, lat, lng, earliest_pickup, " +
		"latest_pickup, service_time_minutes and prints the optimized itinerary",
	Args: cobra.ExactArgs(1),
	RunE: optimize,
}

var (
	originFlag    string
	departureFlag string
	driverFlag    string
	apiKeyFlag    string
	cacheFlag     string
	speedFlag     float64
)

func init() {
	optimizeCmd.Flags().StringVarP(&originFlag, "origin", "o", "", "Departure point as lat,lng (required)")
	optimizeCmd.Flags().StringVarP(&departureFlag, "departure", "d", "", "Departure time, RFC 3339 UTC (default: one minute from now)")
	optimizeCmd.Flags().StringVarP(&driverFlag, "driver", "", "cli", "Driver identifier for the output")
	optimizeCmd.Flags().StringVarP(&apiKeyFlag, "api-key", "k", "", "Google Maps API key (default: GOOGLE_MAPS_API_KEY)")
	optimizeCmd.Flags().StringVarP(&cacheFlag, "cache", "c", "matrix-cache.db", "On-disk matrix cache path, empty to disable")
	optimizeCmd.Flags().Float64VarP(&speedFlag, "speed", "s", matrix.DefaultAverageSpeedKmh, "Average speed in km/h for the estimate provider")
	optimizeCmd.MarkFlagRequired("origin")

	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})
}

type csvStop struct {
	StopID             string  `csv:"stop_id"`
	Lat                float64 `csv:"lat"`
	Lng                float64 `csv:"lng"`
	EarliestPickup     string  `csv:"earliest_pickup"`
	LatestPickup       string  `csv:"latest_pickup"`
	ServiceTimeMinutes int     `csv:"service_time_minutes"`
}

func readStops(path string) ([]model.Stop, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows []*csvStop
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	stops := make([]model.Stop, len(rows))
	for i, row := range rows {
		stops[i] = model.Stop{
			StopID:             row.StopID,
			Location:           geo.Coordinate{Lat: row.Lat, Lng: row.Lng},
			EarliestPickup:     row.EarliestPickup,
			LatestPickup:       row.LatestPickup,
			ServiceTimeMinutes: row.ServiceTimeMinutes,
		}
	}
	return stops, nil
}

func parseOrigin(s string) (geo.Coordinate, error) {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return geo.Coordinate{}, fmt.Errorf("origin %q is not on form lat,lng", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("origin latitude %q: %w", parts[0], err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Coordinate{}, fmt.Errorf("origin longitude %q: %w", parts[1], err)
	}
	c := geo.Coordinate{Lat: lat, Lng: lng}
	return c, c.Validate()
}

func optimize(cmd *cobra.Command, args []string) error {
	stops, err := readStops(args[0])
	if err != nil {
		return err
	}

	origin, err := parseOrigin(originFlag)
	if err != nil {
		return err
	}

	departure := time.Now().UTC().Add(time.Minute)
	if departureFlag != "" {
		departure, err = time.Parse(time.RFC3339, departureFlag)
		if err != nil {
			return fmt.Errorf("departure %q is not RFC 3339", departureFlag)
		}
		departure = departure.UTC()
	}

	apiKey := apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	}
	var provider matrix.Provider
	if apiKey != "" {
		provider = matrix.NewGoogle(apiKey)
	} else {
		fmt.Fprintln(os.Stderr, "no API key, using haversine estimates")
		estimate := matrix.NewEstimate()
		estimate.AverageSpeedKmh = speedFlag
		provider = estimate
	}

	var cache storage.KV
	if cacheFlag != "" {
		sq, err := storage.NewSQLite(cacheFlag)
		if err != nil {
			return fmt.Errorf("opening matrix cache: %w", err)
		}
		defer sq.Close()
		cache = sq
	}

	pipeline := routed.NewPipeline(matrix.NewResolver(provider, cache))
	resp, err := pipeline.Run(context.Background(), driverFlag, origin, stops, departure)
	if err != nil {
		return err
	}

	for _, stop := range resp.OptimizedStops {
		fmt.Printf("%2d  %-20s  arrive %s  depart %s\n",
			stop.Sequence, stop.StopID, stop.ArrivalTime, stop.DepartureTime)
	}
	fmt.Printf("\ntotal: %.1f km, %.0f minutes (score %.2f)\n",
		resp.TotalDistanceKm, resp.TotalDurationMinutes, resp.OptimizationScore)
	fmt.Println(resp.GoogleMapsURL)
	return nil
}
