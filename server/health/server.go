// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/vtbridge/broker"
)

// Broker is the part of the broker the probes look at.
type Broker interface {
	ListQueues(ctx context.Context, match func(broker.Destination) bool) ([]broker.Destination, error)
	Stats() *broker.Stats
}

// Sessions reports the number of connected MQTT sessions.
type Sessions interface {
	Count() int
}

// Config holds health check server configuration.
type Config struct {
	Address         string
	NodeID          string
	ShutdownTimeout time.Duration
	ProbeTimeout    time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	broker   Broker
	sessions Sessions
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. sessions may be nil.
func New(cfg Config, b Broker, sessions Sessions, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}

	s := &Server{
		config:   cfg,
		broker:   b,
		sessions: sessions,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves the health endpoints until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Queues  int    `json:"queues"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready when the durable queue store can be enumerated.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.ProbeTimeout)
	defer cancel()

	queues, err := s.broker.ListQueues(ctx, nil)
	if err != nil {
		s.logger.Warn("readiness probe failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "storage unavailable: " + err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Queues: len(queues)})
}

// StatsResponse carries broker counters and the session count.
type StatsResponse struct {
	NodeID   string          `json:"node_id"`
	Sessions int             `json:"sessions"`
	Broker   broker.Snapshot `json:"broker"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broker == nil {
		http.Error(w, "broker not initialized", http.StatusServiceUnavailable)
		return
	}

	resp := StatsResponse{
		NodeID: s.config.NodeID,
		Broker: s.broker.Stats().Snapshot(),
	}
	if s.sessions != nil {
		resp.Sessions = s.sessions.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
