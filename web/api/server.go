// Package api serves the run engine's state over HTTP: JSON endpoints
// for runs, leases and health, plus a server-sent event stream fed by
// the state watcher. It renders no UI.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
	"github.com/hochfrequenz/conveyor/internal/runstate"
)

// Leases exposes pool occupancy. Satisfied by *leasepool.Pool.
type Leases interface {
	Capacity() int
	Active() ([]*domain.Lease, error)
}

// HealthScanner classifies live runs. Satisfied by *health.Classifier.
type HealthScanner interface {
	Scan(ctx context.Context) ([]health.Report, error)
}

// Server is the HTTP API server.
type Server struct {
	states *runstate.Store
	leases Leases
	health HealthScanner
	addr   string
	mux    *http.ServeMux
	sseHub *SSEHub
	log    *slog.Logger
}

// NewServer creates an API server over the given collaborators. The
// health scanner may be nil, in which case /api/health reports 503.
func NewServer(states *runstate.Store, leases Leases, scanner HealthScanner, addr string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		states: states,
		leases: leases,
		health: scanner,
		addr:   addr,
		mux:    http.NewServeMux(),
		sseHub: NewSSEHub(),
		log:    log.With("component", "web"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/", s.getRunHandler())
	s.mux.HandleFunc("/api/leases", s.listLeasesHandler())
	s.mux.HandleFunc("/api/health", s.healthHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Start runs the SSE hub and serves until the listener fails.
func (s *Server) Start() error {
	go s.sseHub.Run()
	s.log.Info("web api listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.mux)
}

// Broadcast sends an event to all SSE clients.
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
