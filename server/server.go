// Package server exposes the HTTP surface: the synchronous
// optimisation endpoint, the health probe and the driver websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/medtransit/routed"
	"github.com/medtransit/routed/model"
	"github.com/medtransit/routed/route"
	"github.com/medtransit/routed/state"
	"github.com/medtransit/routed/storage"
)

type Server struct {
	Pipeline *routed.Pipeline
	Store    *state.Store
	Driver   http.Handler // websocket endpoint
	KV       storage.KV
	Logger   *zap.Logger

	// MapsConfigured reports whether a traffic provider credential is
	// present. The health probe never calls the provider.
	MapsConfigured bool
}

func New(pipeline *routed.Pipeline, store *state.Store, driver http.Handler, kv storage.KV, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		Pipeline: pipeline,
		Store:    store,
		Driver:   driver,
		KV:       kv,
		Logger:   logger,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Post("/api/v1/optimize-route", s.handleOptimize)
	r.Post("/api/v1/drivers/{driver_id}/stops", s.handleAddStop)
	r.Delete("/api/v1/drivers/{driver_id}/stops/{stop_id}", s.handleCancelStop)
	r.Get("/api/v1/health", s.handleHealth)
	if s.Driver != nil {
		r.Get("/ws/driver/{driver_id}", s.Driver.ServeHTTP)
	}
	return r
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req model.OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	resp, err := s.Pipeline.Optimize(r.Context(), req)
	if err != nil {
		s.writeOptimizeError(w, req.DriverID, err)
		return
	}

	s.captureSession(r.Context(), req, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeOptimizeError(w http.ResponseWriter, driverID string, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: verr.Reason, Field: verr.Field,
		})
	case errors.Is(err, routed.ErrNoFeasibleRoute):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, routed.ErrUpstreamUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		s.Logger.Error("optimize failed",
			zap.String("driver_id", driverID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// captureSession stores the published route as the driver's baseline
// session so live tracking can pick it up. A storage failure degrades
// tracking but not the response the caller already earned.
func (s *Server) captureSession(ctx context.Context, req model.OptimizeRequest, resp model.OptimizeResponse) {
	if s.Store == nil {
		return
	}

	byID := make(map[string]model.Stop, len(req.Stops))
	for _, stop := range req.Stops {
		byID[stop.StopID] = stop
	}
	ordered := make([]model.Stop, len(resp.OptimizedStops))
	for i, opt := range resp.OptimizedStops {
		ordered[i] = byID[opt.StopID]
	}

	// LastRerouteAt stays zero: the cooldown only spaces re-routes
	// from each other, never from the initial publication. A driver
	// hitting traffic right out of the gate re-routes immediately.
	session := &state.Session{
		DriverID:             req.DriverID,
		Status:               state.StatusActive,
		Route:                route.SessionStops(ordered, resp.OptimizedStops),
		BaselineDurationMin:  resp.TotalDurationMinutes,
		RemainingDurationMin: resp.TotalDurationMinutes,
	}
	if err := s.Store.Save(ctx, session); err != nil {
		s.Logger.Error("storing baseline session",
			zap.String("driver_id", req.DriverID), zap.Error(err))
	}
}

// handleAddStop appends a pickup to a live session. The route itself
// is not recomputed here: the flagged change makes the next telemetry
// event re-optimise and push a route_updated frame to the driver.
func (s *Server) handleAddStop(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driver_id")

	var stop model.Stop
	if err := json.NewDecoder(r.Body).Decode(&stop); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	sess, err := s.Store.AddStop(r.Context(), driverID, stop)
	if err != nil {
		s.writeStopError(w, driverID, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleCancelStop removes a not-yet-completed stop from a live
// session; the re-route is deferred the same way as for added stops.
func (s *Server) handleCancelStop(w http.ResponseWriter, r *http.Request) {
	driverID := chi.URLParam(r, "driver_id")
	stopID := chi.URLParam(r, "stop_id")

	sess, err := s.Store.CancelStop(r.Context(), driverID, stopID)
	if err != nil {
		s.writeStopError(w, driverID, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) writeStopError(w http.ResponseWriter, driverID string, err error) {
	var verr *model.ValidationError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{
			Error: "no active session for driver " + driverID,
		})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: verr.Reason, Field: verr.Field,
		})
	case errors.Is(err, state.ErrUnknownStop):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		s.Logger.Error("updating session stops",
			zap.String("driver_id", driverID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

type healthResponse struct {
	Status       string `json:"status"`
	StateBackend string `json:"state_backend"`
	MapsAPI      string `json:"maps_api"`
}

// handleHealth probes the state backend and reports provider
// configuration. It deliberately never calls the traffic provider.
//
// A missing provider credential means no optimisation can run at all,
// so it is unhealthy. An unreachable state backend only takes out live
// tracking, so the service degrades while optimisation keeps working.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", StateBackend: "ok", MapsAPI: "configured"}

	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.KV.Ping(ctx); err != nil {
		resp.StateBackend = "unavailable"
		resp.Status = "degraded"
	}
	if !s.MapsConfigured {
		resp.MapsAPI = "not_configured"
		resp.Status = "unhealthy"
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
