package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medtransit/routed"
	"github.com/medtransit/routed/config"
	"github.com/medtransit/routed/detect"
	"github.com/medtransit/routed/ingest"
	"github.com/medtransit/routed/matrix"
	"github.com/medtransit/routed/server"
	"github.com/medtransit/routed/state"
	"github.com/medtransit/routed/storage"
	"github.com/medtransit/routed/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the optimization service",
	Args:  cobra.NoArgs,
	RunE:  serve,
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var kv storage.KV
	var bus storage.PubSub
	if cfg.RedisConfigured() {
		r := storage.NewRedis(cfg.RedisHost, cfg.RedisPort)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis at %s:%d: %w", cfg.RedisHost, cfg.RedisPort, err)
		}
		defer r.Close()
		kv, bus = r, r
		logger.Info("using redis state backend",
			zap.String("host", cfg.RedisHost), zap.Int("port", cfg.RedisPort))
	} else {
		logger.Warn("no REDIS_HOST configured, state is in-process only")
		mem := storage.NewMemory()
		kv, bus = mem, mem
	}

	var provider matrix.Provider
	if cfg.GoogleMapsAPIKey != "" {
		g := matrix.NewGoogle(cfg.GoogleMapsAPIKey)
		g.Timeout = cfg.MatrixFetchTimeout
		provider = g
	} else {
		logger.Warn("GOOGLE_MAPS_API_KEY not set, travel times are haversine estimates")
		provider = matrix.NewEstimate()
	}

	resolver := matrix.NewResolver(provider, kv)
	resolver.TTL = cfg.MatrixTTL
	resolver.Logger = logger

	pipeline := routed.NewPipeline(resolver)
	pipeline.MaxStops = cfg.MaxStops
	pipeline.SolverTimeLimit = cfg.MaxOptimization
	pipeline.Logger = logger

	store := state.NewStore(kv, cfg.DriverStateTTL)

	worker := ingest.NewWorker(store, resolver, pipeline, bus)
	worker.Thresholds = detect.Thresholds{
		DelayMin:      cfg.DelayThresholdMin,
		IncreaseRatio: cfg.TrafficIncreaseRatio,
		MinInterval:   cfg.MinRerouteInterval,
	}
	worker.Logger = logger

	dispatcher := ingest.NewDispatcher(worker, logger)
	defer dispatcher.Close()

	manager := ws.NewManager(bus, dispatcher, logger)
	defer manager.CloseAll()

	srv := server.New(pipeline, store, manager, kv, logger)
	srv.MapsConfigured = cfg.GoogleMapsAPIKey != ""

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		errc <- httpSrv.ListenAndServe()
	}()
	logger.Info("listening", zap.String("addr", cfg.ListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errc:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
