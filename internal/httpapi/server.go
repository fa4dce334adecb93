// Package httpapi exposes the thin HTTP surface: a manual trigger endpoint,
// a read-only strategy-chat feed and read-only position views. It carries no
// business logic of its own — every handler is a narrow translation between
// an HTTP request and the trigger coordinator's wake channel or the database
// gateway's read methods.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"aitrader/internal/core"
	"aitrader/internal/trigger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WakeSink is the narrow surface the strategy-run handler needs from the
// trigger coordinator.
type WakeSink interface {
	WakeChan() chan<- trigger.Wake
}

// Server wraps net/http.ServeMux with the three routes spec 4.H requires,
// grounded on pkg/liveserver/server.go's Start/Stop lifecycle: the
// WebSocket/hub broadcast half of that file has no equivalent here and is
// not carried over.
type Server struct {
	db                  core.IDatabase
	wakeSink            WakeSink
	manualTriggerEnabled bool
	logger              core.ILogger

	mu  sync.Mutex
	srv *http.Server
}

// Config bundles the server's policy knobs.
type Config struct {
	ManualTriggerEnabled bool
}

// New builds a Server. Start must be called to begin listening.
func New(db core.IDatabase, wakeSink WakeSink, cfg Config, logger core.ILogger) *Server {
	return &Server{
		db:                   db,
		wakeSink:             wakeSink,
		manualTriggerEnabled: cfg.ManualTriggerEnabled,
		logger:               logger.WithField("component", "httpapi"),
	}
}

// Start launches the HTTP server in the background and returns once listening
// has been attempted; it does not block. Use Stop for graceful shutdown.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/model/strategy-run", s.withAccessLog(s.handleStrategyRun))
	mux.HandleFunc("/model/strategy-chat", s.withAccessLog(s.handleStrategyChat))
	mux.HandleFunc("/account/positions", s.withAccessLog(s.handlePositions))
	mux.HandleFunc("/account/positions/history", s.withAccessLog(s.handlePositionHistory))
	mux.Handle("/metrics", promhttp.Handler())

	s.mu.Lock()
	s.srv = &http.Server{Addr: addr, Handler: mux}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.logger.Info("http surface listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("http surface stopping")
	return srv.Shutdown(ctx)
}

func (s *Server) withAccessLog(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		s.logger.Debug("http access", "method", r.Method, "path", r.URL.Path, "elapsed_ms", time.Since(start).Milliseconds())
	}
}

type strategyRunRequest struct {
	InstID string `json:"inst_id"`
}

// handleStrategyRun implements POST /model/strategy-run: it enqueues a
// manual wake and returns immediately, per spec 4.H's "fire-and-forget"
// contract — 202 once the wake is on the coordinator's wake channel, 503 if
// that channel is full. The handler does not wait for the analysis.
func (s *Server) handleStrategyRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.manualTriggerEnabled {
		http.Error(w, "manual trigger disabled", http.StatusForbidden)
		return
	}

	var req strategyRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InstID == "" {
		http.Error(w, "inst_id required", http.StatusBadRequest)
		return
	}

	wake := trigger.Wake{Inst: core.Instrument(req.InstID), Source: core.SourceManual}
	select {
	case s.wakeSink.WakeChan() <- wake:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "wake channel full", http.StatusServiceUnavailable)
	}
}

// handleStrategyChat implements GET /model/strategy-chat: the latest N
// strategy messages for an instrument, plus whether manual triggering is
// currently permitted.
func (s *Server) handleStrategyChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst := core.Instrument(r.URL.Query().Get("inst_id"))
	if inst == "" {
		http.Error(w, "inst_id required", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 50)

	messages, err := s.db.GetRecentStrategyMessages(r.Context(), inst, limit)
	if err != nil {
		s.logger.Error("strategy-chat: fetch failed", "inst_id", inst, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"messages":               messages,
		"manual_trigger_enabled": s.manualTriggerEnabled,
	})
}

// handlePositions implements GET /account/positions: currently open
// positions for an instrument.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst := core.Instrument(r.URL.Query().Get("inst_id"))
	if inst == "" {
		http.Error(w, "inst_id required", http.StatusBadRequest)
		return
	}

	positions, err := s.db.GetOpenPositions(r.Context(), inst)
	if err != nil {
		s.logger.Error("positions: fetch failed", "inst_id", inst, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"positions": positions})
}

// handlePositionHistory implements GET /account/positions/history: open and
// closed positions for an instrument, most recent first.
func (s *Server) handlePositionHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	inst := core.Instrument(r.URL.Query().Get("inst_id"))
	if inst == "" {
		http.Error(w, "inst_id required", http.StatusBadRequest)
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	history, err := s.db.GetPositionHistory(r.Context(), inst, limit)
	if err != nil {
		s.logger.Error("position history: fetch failed", "inst_id", inst, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"positions": history})
}

func parseLimit(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
