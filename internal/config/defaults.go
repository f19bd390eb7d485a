// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/m3u8d/internal/cache"
	"github.com/ManuGH/m3u8d/internal/control"
	"github.com/ManuGH/m3u8d/internal/engine"
	"github.com/ManuGH/m3u8d/internal/fetch"
	"github.com/ManuGH/m3u8d/internal/merge"
	"github.com/ManuGH/m3u8d/internal/retry"
)

const (
	DefaultMetricsAddr    = "127.0.0.1:9108"
	DefaultRequestTimeout = 30 * time.Second
	DefaultSaveRoot       = "downloads"
)

// Defaults returns the configuration used when neither file nor ENV set a key.
func Defaults() AppConfig {
	return AppConfig{
		Listen:      control.DefaultListenAddr,
		MetricsAddr: DefaultMetricsAddr,
		LogLevel:    "info",
		SaveRoot:    DefaultSaveRoot,
		Control: ControlConfig{
			UpgradesPerMinute: 60,
		},
		Download: DownloadConfig{
			Concurrency:       fetch.DefaultConcurrency,
			RequestsPerSecond: 0,
			RequestTimeout:    DefaultRequestTimeout,
			ProgressInterval:  fetch.DefaultProgressInterval,
			CheckBackoff:      engine.DefaultCheckBackoff,
			RetryThreshold:    retry.DefaultThreshold,
			RetryTTL:          retry.DefaultTTL,
			RetryCapacity:     cache.DefaultMaxEntries,
		},
		Merge: MergeConfig{
			FFmpegBin:    merge.DefaultBinary,
			CleanupGrace: merge.DefaultCleanupGrace,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Queue: QueueConfig{Backend: "memory"},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Retry: RetryConfig{Backend: "memory"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}
