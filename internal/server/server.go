// Package server exposes the HTTP API: scan queries and streaming scan
// execution, fix application, and the agent surface (event stream,
// history, control, cost, status).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/stackwatch/pulse/internal/agent"
	"github.com/stackwatch/pulse/internal/checker"
	"github.com/stackwatch/pulse/internal/cost"
	"github.com/stackwatch/pulse/internal/events"
	"github.com/stackwatch/pulse/internal/notify"
	"github.com/stackwatch/pulse/internal/scan"
	"github.com/stackwatch/pulse/internal/storage"
)

const (
	defaultScanMinInterval = 2 * time.Second
	defaultHeartbeat       = 15 * time.Second
	readHeaderTimeout      = 10 * time.Second
	shutdownTimeout        = 10 * time.Second
)

// Config wires a Server. Registry, Orchestrator, Store, and Bus are
// required; Agent, Guard, and Notifier may be nil, in which case the
// corresponding endpoints report the component as unavailable.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:7177"
	Addr string
	// ScanMinInterval rate-limits POST /api/agent/scan
	ScanMinInterval time.Duration
	// Heartbeat is the idle keepalive interval on the event stream
	Heartbeat time.Duration

	Registry     *checker.Registry
	Orchestrator *scan.Orchestrator
	Store        *storage.Store
	Bus          *events.Bus
	Agent        *agent.Loop
	Guard        *cost.Guard
	Notifier     *notify.Arbiter
}

// Server serves the HTTP API.
type Server struct {
	cfg         Config
	heartbeat   time.Duration
	scanLimiter *rate.Limiter
	mux         *http.ServeMux
	httpServer  *http.Server
}

// New validates cfg and builds a Server with all routes registered.
func New(cfg Config) (*Server, error) {
	if cfg.Registry == nil {
		return nil, errors.New("server requires a checker registry")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("server requires a scan orchestrator")
	}
	if cfg.Store == nil {
		return nil, errors.New("server requires a store")
	}
	if cfg.Bus == nil {
		return nil, errors.New("server requires an event bus")
	}
	if cfg.ScanMinInterval <= 0 {
		cfg.ScanMinInterval = defaultScanMinInterval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	s := &Server{
		cfg:         cfg,
		heartbeat:   cfg.Heartbeat,
		scanLimiter: rate.NewLimiter(rate.Every(cfg.ScanMinInterval), 1),
		mux:         http.NewServeMux(),
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/scan/latest", s.handleScanLatest)
	s.mux.HandleFunc("GET /api/scan/history", s.handleScanHistory)
	s.mux.HandleFunc("GET /api/scan/run", s.handleScanRun)
	s.mux.HandleFunc("GET /api/phase/{name}", s.handlePhase)
	s.mux.HandleFunc("POST /api/fix/{checker}/{check}", s.handleFix)

	s.mux.HandleFunc("GET /api/agent/events", s.handleAgentEvents)
	s.mux.HandleFunc("GET /api/agent/history", s.handleAgentHistory)
	s.mux.HandleFunc("GET /api/agent/insights", s.handleAgentInsights)
	s.mux.HandleFunc("GET /api/agent/analyses", s.handleAgentAnalyses)
	s.mux.HandleFunc("POST /api/agent/start", s.handleAgentStart)
	s.mux.HandleFunc("POST /api/agent/stop", s.handleAgentStop)
	s.mux.HandleFunc("POST /api/agent/scan", s.handleAgentScan)
	s.mux.HandleFunc("GET /api/agent/cost", s.handleAgentCost)
	s.mux.HandleFunc("GET /api/agent/status", s.handleAgentStatus)
}

// Handler returns the route mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves until ctx is cancelled, then drains with a
// shutdown timeout. Request contexts derive from ctx, so streaming
// handlers unwind when the server stops.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context {
		return ctx
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
