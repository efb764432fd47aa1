// Package server exposes fleetkey's HTTP API: device operations for
// field devices, status projections for dashboards, a live event
// stream, and the internal endpoint the out-of-process scheduler posts
// rotation signals to.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/fleetkey/fleetkey/internal/dashboard"
	"github.com/fleetkey/fleetkey/internal/device"
	fkerrors "github.com/fleetkey/fleetkey/internal/errors"
	"github.com/fleetkey/fleetkey/internal/logging"
	"github.com/fleetkey/fleetkey/internal/rotation"
)

// Config holds the server's listen address and the bearer token that
// guards the internal notification endpoint. An empty token disables
// the guard.
type Config struct {
	Listen        string
	InternalToken string
}

// Server wires the HTTP surface to the rotation engine, the device
// store, and the dashboard aggregator. Rotation mutations broadcast
// through the hub so event-stream clients hear about them immediately.
type Server struct {
	cfg        Config
	store      device.Store
	engine     *rotation.Engine
	aggregator *dashboard.Aggregator
	hub        *Hub
	logger     *logging.Logger

	httpServer *http.Server
}

// New creates a server. The hub must be the same instance the engine
// announces through.
func New(cfg Config, store device.Store, engine *rotation.Engine, aggregator *dashboard.Aggregator, hub *Hub, logger *logging.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		engine:     engine,
		aggregator: aggregator,
		hub:        hub,
		logger:     logger,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/devices/{key}/rotate", s.handleTriggerRotation)
	mux.HandleFunc("POST /api/v1/devices/{key}/active", s.handleSetActive)
	mux.HandleFunc("POST /api/v1/devices/{key}/rotation/advance", s.handleAdvanceRotation)
	mux.HandleFunc("GET /api/v1/devices/{key}", s.handleGetDevice)
	mux.HandleFunc("GET /api/v1/rotation/status", s.handleRotationStatus)
	mux.HandleFunc("GET /api/v1/dashboard", s.handleDashboard)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("POST /internal/rotation-changed", s.handleRotationChanged)

	return mux
}

// Handler exposes the routing table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving HTTP until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.logger.Info("api server listening on %s", s.cfg.Listen)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("response write failed: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto status codes: unknown device
// is 404, a rejected transition or bad body is 400, storage trouble is
// 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case fkerrors.IsNotFound(err):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case fkerrors.IsInvalidRequest(err):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
