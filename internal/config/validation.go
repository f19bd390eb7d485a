// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
)

// ValidationError collects every invalid field so operators can fix them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

type validator struct {
	problems []string
}

func (v *validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) listenAddr(field, addr string, required bool) {
	if addr == "" {
		if required {
			v.addf("%s: must not be empty", field)
		}
		return
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		v.addf("%s: invalid address %q: %v", field, addr, err)
	}
}

func (v *validator) oneOf(field, value string, allowed ...string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.addf("%s: %q is not one of %s", field, value, strings.Join(allowed, ", "))
}

// Validate checks cfg for values the daemon cannot run with.
func Validate(cfg AppConfig) error {
	var v validator

	v.listenAddr("listen", cfg.Listen, true)
	v.listenAddr("metricsAddr", cfg.MetricsAddr, false)
	if _, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err != nil {
		v.addf("logLevel: %v", err)
	}
	if strings.TrimSpace(cfg.SaveRoot) == "" {
		v.addf("saveRoot: must not be empty")
	}

	if cfg.Control.UpgradesPerMinute < 0 {
		v.addf("control.upgradesPerMinute: must be >= 0")
	}

	d := cfg.Download
	if d.Concurrency < 1 {
		v.addf("download.concurrency: must be >= 1, got %d", d.Concurrency)
	}
	if d.RequestsPerSecond < 0 {
		v.addf("download.requestsPerSecond: must be >= 0")
	}
	if d.RequestTimeout <= 0 {
		v.addf("download.requestTimeout: must be positive")
	}
	if d.ProgressInterval <= 0 {
		v.addf("download.progressInterval: must be positive")
	}
	if d.CheckBackoff < 0 {
		v.addf("download.checkBackoff: must be >= 0")
	}
	if d.RetryThreshold < 1 {
		v.addf("download.retryThreshold: must be >= 1")
	}
	if d.RetryTTL <= 0 {
		v.addf("download.retryTTL: must be positive")
	}
	if d.RetryCapacity < 1 {
		v.addf("download.retryCapacity: must be >= 1")
	}

	if strings.TrimSpace(cfg.Merge.FFmpegBin) == "" {
		v.addf("merge.ffmpegBin: must not be empty")
	}
	if cfg.Merge.CleanupGrace < 0 {
		v.addf("merge.cleanupGrace: must be >= 0")
	}

	v.oneOf("store.backend", cfg.Store.Backend, "memory", "sqlite", "badger")
	v.oneOf("queue.backend", cfg.Queue.Backend, "memory", "redis")
	v.oneOf("retry.backend", cfg.Retry.Backend, "memory", "redis")
	if cfg.UsesRedis() {
		v.listenAddr("redis.addr", cfg.Redis.Addr, true)
	}
	if cfg.Redis.DB < 0 {
		v.addf("redis.db: must be >= 0")
	}

	if cfg.Telemetry.Enabled {
		v.oneOf("telemetry.exporter", cfg.Telemetry.Exporter, "grpc", "http")
		if cfg.Telemetry.Endpoint == "" {
			v.addf("telemetry.endpoint: required when telemetry is enabled")
		}
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		v.addf("telemetry.samplingRate: must be within [0, 1]")
	}

	if cfg.Publish.Enabled {
		if cfg.Publish.Endpoint == "" {
			v.addf("publish.endpoint: required when publishing is enabled")
		}
		if cfg.Publish.Bucket == "" {
			v.addf("publish.bucket: required when publishing is enabled")
		}
		if (cfg.Publish.AccessKey == "") != (cfg.Publish.SecretKey == "") {
			v.addf("publish: accessKey and secretKey must be set together")
		}
	}

	if len(v.problems) > 0 {
		return &ValidationError{Problems: v.problems}
	}
	return nil
}

// IsValidationError reports whether err carries field validation problems.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
