// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package control serves the WebSocket control channel through which
// clients start downloads and receive task events.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ManuGH/m3u8d/internal/control/middleware"
	"github.com/ManuGH/m3u8d/internal/engine"
	"github.com/ManuGH/m3u8d/internal/health"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/queue"
	"github.com/ManuGH/m3u8d/internal/store"
	"github.com/ManuGH/m3u8d/internal/task"
)

// DefaultListenAddr is the loopback address clients connect to.
const DefaultListenAddr = "127.0.0.1:8000"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Runner runs one task to completion, relaying events to sink.
type Runner interface {
	Run(ctx context.Context, d task.Descriptor, sink engine.Sink) error
}

// Deps is the state shared by every session of a server.
type Deps struct {
	Engine   Runner
	Queue    queue.Queue
	Store    store.Store
	Registry *Registry
	// SaveRoot returns the configured save root; task ledgers live under it.
	SaveRoot func() string
	// Health serves /readyz when set.
	Health *health.Manager
}

// Config tunes the server.
type Config struct {
	// AllowedOrigins lists accepted browser origins; empty accepts loopback
	// origins only.
	AllowedOrigins []string
	// UpgradesPerMinute limits new sessions per client IP.
	UpgradesPerMinute int
	AccessLog         bool
}

// Server accepts control sessions.
type Server struct {
	deps     Deps
	cfg      Config
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// NewServer returns a server over deps. Missing queue, store and registry
// get in-memory defaults.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("control: engine is required")
	}
	if deps.SaveRoot == nil {
		return nil, errors.New("control: save root is required")
	}
	if deps.Queue == nil {
		deps.Queue = queue.NewMemoryQueue()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// checkOrigin accepts clients that send no Origin. Without an allowlist
// only loopback origins are accepted.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return isLoopbackOrigin(origin)
	}
	for _, o := range s.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the HTTP routes of the control server.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{EnableLogging: s.cfg.AccessLog})
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/tasks", s.handleTasks)
	if s.deps.Health != nil {
		r.Get("/readyz", s.deps.Health.ServeReady)
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.UpgradeRateLimit(s.cfg.UpgradesPerMinute))
		r.Get("/", s.handleWS)
		r.Get("/ws", s.handleWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_tasks": s.deps.Registry.Len(),
		"sessions":     s.sessionCount(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Store.List(r.Context())
	if err != nil {
		logger := xglog.WithComponentFromContext(r.Context(), "control")
		logger.Error().Err(err).Msg("list tasks")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "task store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.baseCtx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger := xglog.WithComponentFromContext(r.Context(), "control")
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	sess := newSession(s, conn)
	if !s.track(sess) {
		_ = conn.Close()
		return
	}
	defer s.untrack(sess)
	sess.serve()
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseCtx.Err() != nil {
		return false
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close cancels every session and its runs, then waits for them to end or
// for ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	for _, sess := range s.sessions {
		sess.closeConn()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
