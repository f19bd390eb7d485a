// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/m3u8d/internal/config"
	xglog "github.com/ManuGH/m3u8d/internal/log"
)

// App owns the long-lived runtime lifecycle (config watcher, SIGHUP reload,
// reload fan-out) and delegates server management to Manager.
type App struct {
	logger    zerolog.Logger
	manager   Manager
	cfgHolder *config.ConfigHolder
	onReload  []func(config.AppConfig)
}

// NewApp creates a new App orchestrator. cfgHolder may be nil.
func NewApp(logger zerolog.Logger, manager Manager, cfgHolder *config.ConfigHolder) *App {
	return &App{logger: logger, manager: manager, cfgHolder: cfgHolder}
}

// OnReload registers fn to run with every successfully reloaded config.
func (a *App) OnReload(fn func(config.AppConfig)) {
	a.onReload = append(a.onReload, fn)
}

// Run starts all owned background subsystems and blocks until ctx is
// cancelled or a server fails.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.cfgHolder != nil {
		// Best effort: a broken watcher must not keep the daemon from starting.
		if err := a.cfgHolder.StartWatcher(ctx); err != nil {
			a.logger.Warn().Err(err).Str(xglog.FieldEvent, "config.watcher_start_failed").Msg("failed to start config watcher")
		}
		a.cfgHolder.WatchSignals(ctx)
		defer a.cfgHolder.Wait()

		if len(a.onReload) > 0 {
			applyCh := make(chan config.AppConfig, 1)
			a.cfgHolder.RegisterListener(applyCh)
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case cfg := <-applyCh:
						for _, fn := range a.onReload {
							fn(cfg)
						}
					}
				}
			})
		}
	}

	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	return g.Wait()
}
