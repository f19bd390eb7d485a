// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command m3u8d is the HLS segmented download daemon. It accepts download
// tasks over a local WebSocket control channel, fetches and decrypts the
// segments into a resumable ledger and merges them with ffmpeg.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/m3u8d/internal/cache"
	"github.com/ManuGH/m3u8d/internal/config"
	"github.com/ManuGH/m3u8d/internal/control"
	"github.com/ManuGH/m3u8d/internal/daemon"
	"github.com/ManuGH/m3u8d/internal/engine"
	"github.com/ManuGH/m3u8d/internal/fetch"
	"github.com/ManuGH/m3u8d/internal/health"
	"github.com/ManuGH/m3u8d/internal/hls"
	xglog "github.com/ManuGH/m3u8d/internal/log"
	"github.com/ManuGH/m3u8d/internal/merge"
	"github.com/ManuGH/m3u8d/internal/procgroup"
	"github.com/ManuGH/m3u8d/internal/publish"
	"github.com/ManuGH/m3u8d/internal/queue"
	"github.com/ManuGH/m3u8d/internal/retry"
	"github.com/ManuGH/m3u8d/internal/store"
	"github.com/ManuGH/m3u8d/internal/telemetry"
	"github.com/ManuGH/m3u8d/internal/version"
)

const serviceName = "m3u8d"

type namedHook struct {
	name string
	fn   daemon.ShutdownHook
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	configPath := fs.String("config", "", "path to config file (YAML)")
	checkConfig := fs.Bool("check-config", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	// Safe defaults until the config is loaded.
	xglog.Configure(xglog.Config{Level: "info", Service: serviceName, Version: version.Version})
	logger := xglog.WithComponent("daemon")

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = config.ParseString("M3U8D_CONFIG", "")
	}
	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "config.load_failed").Str(xglog.FieldPath, path).Msg("failed to load configuration")
		return 1
	}
	if *checkConfig {
		fmt.Println("configuration OK")
		return 0
	}

	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: serviceName, Version: cfg.Version})
	logger = xglog.WithComponent("daemon")
	for _, key := range loader.UnknownEnvKeys() {
		logger.Warn().Str("key", key).Str(xglog.FieldEvent, "config.unknown_env").Msg("ignoring unknown environment variable")
	}
	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().Str(xglog.FieldEvent, "config.loaded").Str("source", source).Str(xglog.FieldPath, path).Msg("configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, logger, loader, cfg)
	if err != nil {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.build_failed").Msg("failed to initialise daemon")
		return 1
	}
	if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Str(xglog.FieldEvent, "daemon.failed").Msg("daemon stopped with error")
		return 1
	}
	logger.Info().Msg("daemon stopped")
	return 0
}

// build wires every collaborator and registers their shutdown hooks. Hooks
// run in reverse registration order, so the control channel closes first and
// telemetry flushes last.
func build(ctx context.Context, logger zerolog.Logger, loader *config.Loader, cfg config.AppConfig) (*daemon.App, error) {
	var closers []func(context.Context) error
	fail := func(err error) (*daemon.App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](context.Background())
		}
		return nil, err
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.Version,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fail(fmt.Errorf("telemetry: %w", err))
	}
	hooks := []namedHook{{"telemetry", tp.Shutdown}}
	closers = append(closers, tp.Shutdown)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return fail(fmt.Errorf("redis connection failed: %w", err))
		}
		closeRedis := func(context.Context) error { return rdb.Close() }
		hooks = append(hooks, namedHook{"redis", closeRedis})
		closers = append(closers, closeRedis)
	}

	var (
		retryCache cache.Cache
		redisCache *cache.RedisCache
	)
	if cfg.Retry.Backend == "redis" {
		redisCache = cache.NewRedisCache(rdb, serviceName+":retry:", xglog.WithComponent("cache"),
			cache.WithRedisMaxEntries(cfg.Download.RetryCapacity))
		retryCache = redisCache
	} else {
		mem := cache.NewMemoryCache(time.Minute, cache.WithMaxEntries(cfg.Download.RetryCapacity))
		retryCache = mem
		closeCache := func(context.Context) error { return mem.Close() }
		hooks = append(hooks, namedHook{"retry-cache", closeCache})
		closers = append(closers, closeCache)
	}
	governor := retry.NewGovernor(retryCache, cfg.Download.RetryThreshold, cfg.Download.RetryTTL)

	storeDir := cfg.Store.Path
	if storeDir == "" && cfg.Store.Backend != store.BackendMemory {
		storeDir = filepath.Join(cfg.SaveRoot, "."+serviceName)
	}
	if storeDir != "" {
		if err := os.MkdirAll(storeDir, 0o750); err != nil {
			return fail(fmt.Errorf("create store dir: %w", err))
		}
	}
	st, err := store.Open(cfg.Store.Backend, storeDir)
	if err != nil {
		return fail(fmt.Errorf("open task store: %w", err))
	}
	closeStore := func(context.Context) error { return st.Close() }
	closers = append(closers, closeStore)

	q, err := queue.Open(cfg.Queue.Backend, rdb)
	if err != nil {
		return fail(fmt.Errorf("open queue: %w", err))
	}
	closeQueue := func(context.Context) error { return q.Close() }
	closers = append(closers, closeQueue)

	var publisher publish.Publisher = publish.Nop{}
	if cfg.Publish.Enabled {
		p, err := publish.New(publish.Config{
			Endpoint:  cfg.Publish.Endpoint,
			AccessKey: cfg.Publish.AccessKey,
			SecretKey: cfg.Publish.SecretKey,
			Bucket:    cfg.Publish.Bucket,
			Prefix:    cfg.Publish.Prefix,
			UseSSL:    cfg.Publish.UseSSL,
		})
		if err != nil {
			return fail(fmt.Errorf("publisher: %w", err))
		}
		publisher = p
	}

	holder := config.NewConfigHolder(cfg, loader)

	httpClient := hls.NewHTTPClient(cfg.Download.RequestTimeout)
	getter := hls.NewFetcher(httpClient, hls.WithUserAgent(serviceName+"/"+cfg.Version))
	cleaner := merge.NewCleaner()

	eng, err := engine.New(engine.Deps{
		Getter: getter,
		Pool: fetch.NewPool(getter, fetch.Config{
			Concurrency:       cfg.Download.Concurrency,
			RequestsPerSecond: cfg.Download.RequestsPerSecond,
			ProgressInterval:  cfg.Download.ProgressInterval,
		}),
		Governor:  governor,
		Merger:    merge.NewMerger(cfg.Merge.FFmpegBin, merge.ExecRunner{Grace: procgroup.DefaultGrace}),
		Cleaner:   cleaner,
		Store:     st,
		Publisher: publisher,
		SaveRoot:  holder.SaveRoot,
	}, engine.Config{
		CheckBackoff: cfg.Download.CheckBackoff,
		CleanupGrace: cfg.Merge.CleanupGrace,
	})
	if err != nil {
		return fail(err)
	}

	readiness := health.NewManager(cfg.Version)
	readiness.RegisterChecker(health.NewSaveRootChecker(holder.SaveRoot))
	readiness.RegisterChecker(health.NewBinaryChecker("transcoder", cfg.Merge.FFmpegBin))
	readiness.RegisterChecker(health.NewFuncChecker("store", func(ctx context.Context) error {
		_, err := st.List(ctx)
		return err
	}))
	readiness.RegisterChecker(health.NewFuncChecker("queue", func(ctx context.Context) error {
		_, err := q.Len(ctx)
		return err
	}))
	if redisCache != nil {
		readiness.RegisterChecker(health.NewFuncChecker("retry_cache", redisCache.Ping))
	}

	srv, err := control.NewServer(control.Deps{Engine: eng, Queue: q, Store: st, SaveRoot: holder.SaveRoot, Health: readiness}, control.Config{
		AllowedOrigins:    cfg.Control.AllowedOrigins,
		UpgradesPerMinute: cfg.Control.UpgradesPerMinute,
		AccessLog:         cfg.Control.AccessLog,
	})
	if err != nil {
		return fail(err)
	}

	mgr, err := daemon.NewManager(daemon.DefaultServerConfig(cfg.Listen, cfg.MetricsAddr), daemon.Deps{
		Logger:         logger,
		ControlHandler: srv.Handler(),
		Traced:         cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fail(err)
	}

	for _, h := range hooks {
		mgr.RegisterShutdownHook(h.name, h.fn)
	}
	mgr.RegisterShutdownHook("store", closeStore)
	mgr.RegisterShutdownHook("queue", closeQueue)
	mgr.RegisterShutdownHook("http-client", func(context.Context) error {
		httpClient.CloseIdleConnections()
		return nil
	})
	mgr.RegisterShutdownHook("cleanup", cleaner.Wait)
	mgr.RegisterShutdownHook("control", srv.Close)

	app := daemon.NewApp(logger, mgr, holder)
	app.OnReload(func(c config.AppConfig) {
		xglog.Configure(xglog.Config{Level: c.LogLevel, Service: serviceName, Version: c.Version})
	})
	return app, nil
}
