// Package config loads service configuration from the environment,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable of the service. Zero values are never
// used; Load fills in defaults.
type Config struct {
	GoogleMapsAPIKey string

	RedisHost string
	RedisPort int

	MatrixTTL          time.Duration
	MatrixFetchTimeout time.Duration

	MaxOptimization time.Duration
	MaxStops        int

	DelayThresholdMin    float64
	TrafficIncreaseRatio float64
	MinRerouteInterval   time.Duration

	DriverStateTTL time.Duration

	ListenAddr string
	LogLevel   string
}

// RedisConfigured reports whether a Redis backend was pointed at.
func (c *Config) RedisConfigured() bool {
	return c.RedisHost != ""
}

// Load reads the environment. A .env file in the working directory is
// applied first when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		GoogleMapsAPIKey: os.Getenv("GOOGLE_MAPS_API_KEY"),
		RedisHost:        os.Getenv("REDIS_HOST"),
		ListenAddr:       envString("LISTEN_ADDR", ":8000"),
		LogLevel:         envString("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisPort, err = envInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if cfg.MatrixTTL, err = envSeconds("MATRIX_TTL_SECONDS", 1800); err != nil {
		return nil, err
	}
	if cfg.MatrixFetchTimeout, err = envSeconds("MATRIX_FETCH_TIMEOUT_SECONDS", 8); err != nil {
		return nil, err
	}
	if cfg.MaxOptimization, err = envSeconds("MAX_OPTIMIZATION_SECONDS", 10); err != nil {
		return nil, err
	}
	if cfg.MaxStops, err = envInt("MAX_STOPS_PER_ROUTE", 25); err != nil {
		return nil, err
	}
	if cfg.DelayThresholdMin, err = envFloat("DELAY_THRESHOLD_MINUTES", 5); err != nil {
		return nil, err
	}
	if cfg.TrafficIncreaseRatio, err = envFloat("TRAFFIC_INCREASE_RATIO", 1.20); err != nil {
		return nil, err
	}
	if cfg.MinRerouteInterval, err = envSeconds("MIN_REROUTE_INTERVAL_SECONDS", 300); err != nil {
		return nil, err
	}
	if cfg.DriverStateTTL, err = envSeconds("DRIVER_STATE_TTL_SECONDS", 43200); err != nil {
		return nil, err
	}

	if cfg.MaxStops < 2 {
		return nil, fmt.Errorf("MAX_STOPS_PER_ROUTE must be at least 2, got %d", cfg.MaxStops)
	}
	if cfg.TrafficIncreaseRatio <= 1 {
		return nil, fmt.Errorf("TRAFFIC_INCREASE_RATIO must be above 1, got %v", cfg.TrafficIncreaseRatio)
	}

	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return f, nil
}

func envSeconds(key string, fallback int) (time.Duration, error) {
	n, err := envInt(key, fallback)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return time.Duration(n) * time.Second, nil
}
