// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon owns the process lifecycle: listeners, reload wiring and
// ordered shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	xglog "github.com/ManuGH/m3u8d/internal/log"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Manager manages the daemon lifecycle: starting servers, handling shutdown.
type Manager interface {
	// Start starts all configured servers and blocks until shutdown.
	Start(ctx context.Context) error

	// Shutdown gracefully shuts down all servers.
	Shutdown(ctx context.Context) error

	// RegisterShutdownHook registers a function to be called during shutdown.
	RegisterShutdownHook(name string, hook ShutdownHook)
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	ListenAddr        string
	MetricsAddr       string
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultServerConfig returns listener timeouts suited to long-lived WebSocket sessions.
func DefaultServerConfig(listen, metrics string) ServerConfig {
	return ServerConfig{
		ListenAddr:        listen,
		MetricsAddr:       metrics,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Deps are the handlers the manager serves.
type Deps struct {
	Logger         zerolog.Logger
	ControlHandler http.Handler
	// MetricsHandler defaults to the Prometheus handler.
	MetricsHandler http.Handler
	// Traced wraps the control handler with OpenTelemetry server spans.
	Traced bool
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// ServerManager is the Manager serving the control channel and metrics.
type ServerManager struct {
	serverCfg ServerConfig
	deps      Deps
	logger    zerolog.Logger

	controlServer *http.Server
	metricsServer *http.Server
	controlAddr   net.Addr
	metricsAddr   net.Addr

	shutdownHooks []namedHook

	started  bool
	stopping bool
	mu       sync.Mutex
	serving  sync.WaitGroup
}

// NewManager creates a new daemon manager.
func NewManager(serverCfg ServerConfig, deps Deps) (*ServerManager, error) {
	if deps.ControlHandler == nil {
		return nil, fmt.Errorf("invalid dependencies: %w", ErrMissingControlHandler)
	}
	if deps.MetricsHandler == nil {
		deps.MetricsHandler = promhttp.Handler()
	}
	if serverCfg.ShutdownTimeout <= 0 {
		serverCfg.ShutdownTimeout = 30 * time.Second
	}
	return &ServerManager{
		serverCfg: serverCfg,
		deps:      deps,
		logger:    deps.Logger.With().Str(xglog.FieldComponent, "manager").Logger(),
	}, nil
}

// Start binds the listeners, serves until ctx ends or a server fails, then
// shuts down.
func (m *ServerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("listen", m.serverCfg.ListenAddr).
		Str("metrics", m.serverCfg.MetricsAddr).
		Dur("shutdown_timeout", m.serverCfg.ShutdownTimeout).
		Msg("starting daemon manager")

	errChan := make(chan error, 2)

	if m.serverCfg.MetricsAddr != "" {
		if err := m.startMetricsServer(errChan); err != nil {
			m.shutdownAfterFailure(ctx)
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}
	if err := m.startControlServer(errChan); err != nil {
		m.shutdownAfterFailure(ctx)
		return fmt.Errorf("failed to start control server: %w", err)
	}

	select {
	case err := <-errChan:
		m.logger.Error().Err(err).Msg("server error, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
		defer cancel()
		if shutdownErr := m.Shutdown(shutdownCtx); shutdownErr != nil {
			return fmt.Errorf("server error and shutdown failure: %w", errors.Join(err, shutdownErr))
		}
		return err
	case <-ctx.Done():
		m.logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
		defer cancel()
		return m.Shutdown(shutdownCtx)
	}
}

func (m *ServerManager) shutdownAfterFailure(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
	defer cancel()
	_ = m.Shutdown(shutdownCtx)
}

func (m *ServerManager) serve(srv *http.Server, ln net.Listener, name string, errChan chan<- error) {
	m.serving.Add(1)
	go func() {
		defer m.serving.Done()
		m.logger.Info().Str("addr", ln.Addr().String()).Msgf("%s server listening", name)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).Str(xglog.FieldEvent, name+".server.failed").Msgf("%s server failed", name)
			errChan <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

func (m *ServerManager) startControlServer(errChan chan<- error) error {
	ln, err := net.Listen("tcp", m.serverCfg.ListenAddr)
	if err != nil {
		return err
	}
	handler := m.deps.ControlHandler
	if m.deps.Traced {
		handler = otelhttp.NewHandler(handler, "control")
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: m.serverCfg.ReadHeaderTimeout,
		IdleTimeout:       m.serverCfg.IdleTimeout,
	}
	m.mu.Lock()
	m.controlServer, m.controlAddr = srv, ln.Addr()
	m.mu.Unlock()
	m.serve(srv, ln, "control", errChan)
	return nil
}

func (m *ServerManager) startMetricsServer(errChan chan<- error) error {
	ln, err := net.Listen("tcp", m.serverCfg.MetricsAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.deps.MetricsHandler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: m.serverCfg.ReadHeaderTimeout,
	}
	m.mu.Lock()
	m.metricsServer, m.metricsAddr = srv, ln.Addr()
	m.mu.Unlock()
	m.serve(srv, ln, "metrics", errChan)
	return nil
}

// ControlAddr returns the bound control address, nil before Start binds it.
func (m *ServerManager) ControlAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.controlAddr
}

// MetricsAddr returns the bound metrics address, nil when disabled.
func (m *ServerManager) MetricsAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsAddr
}

// Shutdown stops the servers, then runs the hooks in LIFO order.
func (m *ServerManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	control, metrics := m.controlServer, m.metricsServer
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("shutting down daemon manager")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.serverCfg.ShutdownTimeout)
	defer cancel()

	var errs []error

	// Hijacked WebSocket connections are not tracked by http.Server; a hook
	// closes them.
	if control != nil {
		if err := control.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("control server shutdown: %w", err))
		}
	}
	if metrics != nil {
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	m.serving.Wait()

	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		hookStart := time.Now()
		if err := hook.hook(shutdownCtx); err != nil {
			m.logger.Error().Err(err).Str("hook", hook.name).Dur("duration", time.Since(hookStart)).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		m.logger.Debug().Str("hook", hook.name).Dur("duration", time.Since(hookStart)).Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		m.logger.Error().Int("error_count", len(errs)).Msg("shutdown completed with errors")
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
func (m *ServerManager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}
