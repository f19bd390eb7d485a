// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/m3u8d/internal/log"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "M3U8D_"

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	return strings.Contains(k, "password") || strings.Contains(k, "secret") || strings.Contains(k, "token")
}

// ParseString reads a string from the environment or returns defaultValue.
// An empty variable counts as unset.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	if isSensitive(key) {
		logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").Msg("using environment variable")
	}
	return value
}

// ParseInt reads an integer and falls back to defaultValue on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Int("default", defaultValue).Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().Str("key", key).Int("value", i).Str("source", "environment").Msg("using environment variable")
	return i
}

// ParseFloat reads a float and falls back to defaultValue on parse errors.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Float64("default", defaultValue).Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	return f
}

// ParseBool accepts the strconv.ParseBool spellings.
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Bool("default", defaultValue).Msg("invalid boolean in environment variable, using default")
		return defaultValue
	}
	return b
}

// ParseDuration accepts time.ParseDuration syntax ("250ms", "1h").
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn().Str("key", key).Str("value", v).Dur("default", defaultValue).Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

// ParseList splits a comma separated variable, dropping blanks.
func ParseList(key string, defaultValue []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l *Loader) envString(key, def string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, def)
}

func (l *Loader) envInt(key string, def int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, def)
}

func (l *Loader) envFloat(key string, def float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, def)
}

func (l *Loader) envBool(key string, def bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, def)
}

func (l *Loader) envDuration(key string, def time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, def)
}

func (l *Loader) envList(key string, def []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, def)
}

// mergeEnvConfig applies M3U8D_* overrides on top of cfg.
func (l *Loader) mergeEnvConfig(cfg *AppConfig) {
	cfg.Listen = l.envString("M3U8D_LISTEN", cfg.Listen)
	cfg.MetricsAddr = l.envString("M3U8D_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = l.envString("M3U8D_LOG_LEVEL", cfg.LogLevel)
	cfg.SaveRoot = l.envString("M3U8D_SAVE_ROOT", cfg.SaveRoot)

	cfg.Control.AllowedOrigins = l.envList("M3U8D_CONTROL_ALLOWED_ORIGINS", cfg.Control.AllowedOrigins)
	cfg.Control.UpgradesPerMinute = l.envInt("M3U8D_CONTROL_UPGRADES_PER_MINUTE", cfg.Control.UpgradesPerMinute)
	cfg.Control.AccessLog = l.envBool("M3U8D_CONTROL_ACCESS_LOG", cfg.Control.AccessLog)

	cfg.Download.Concurrency = l.envInt("M3U8D_DOWNLOAD_CONCURRENCY", cfg.Download.Concurrency)
	cfg.Download.RequestsPerSecond = l.envFloat("M3U8D_DOWNLOAD_REQUESTS_PER_SECOND", cfg.Download.RequestsPerSecond)
	cfg.Download.RequestTimeout = l.envDuration("M3U8D_DOWNLOAD_REQUEST_TIMEOUT", cfg.Download.RequestTimeout)
	cfg.Download.ProgressInterval = l.envDuration("M3U8D_DOWNLOAD_PROGRESS_INTERVAL", cfg.Download.ProgressInterval)
	cfg.Download.CheckBackoff = l.envDuration("M3U8D_DOWNLOAD_CHECK_BACKOFF", cfg.Download.CheckBackoff)
	cfg.Download.RetryThreshold = l.envInt("M3U8D_DOWNLOAD_RETRY_THRESHOLD", cfg.Download.RetryThreshold)
	cfg.Download.RetryTTL = l.envDuration("M3U8D_DOWNLOAD_RETRY_TTL", cfg.Download.RetryTTL)
	cfg.Download.RetryCapacity = l.envInt("M3U8D_DOWNLOAD_RETRY_CAPACITY", cfg.Download.RetryCapacity)

	cfg.Merge.FFmpegBin = l.envString("M3U8D_MERGE_FFMPEG_BIN", cfg.Merge.FFmpegBin)
	cfg.Merge.CleanupGrace = l.envDuration("M3U8D_MERGE_CLEANUP_GRACE", cfg.Merge.CleanupGrace)

	cfg.Store.Backend = l.envString("M3U8D_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = l.envString("M3U8D_STORE_PATH", cfg.Store.Path)
	cfg.Queue.Backend = l.envString("M3U8D_QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Retry.Backend = l.envString("M3U8D_RETRY_BACKEND", cfg.Retry.Backend)

	cfg.Redis.Addr = l.envString("M3U8D_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = l.envString("M3U8D_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = l.envInt("M3U8D_REDIS_DB", cfg.Redis.DB)

	cfg.Telemetry.Enabled = l.envBool("M3U8D_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString("M3U8D_TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString("M3U8D_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat("M3U8D_TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)

	cfg.Publish.Enabled = l.envBool("M3U8D_PUBLISH_ENABLED", cfg.Publish.Enabled)
	cfg.Publish.Endpoint = l.envString("M3U8D_PUBLISH_ENDPOINT", cfg.Publish.Endpoint)
	cfg.Publish.AccessKey = l.envString("M3U8D_PUBLISH_ACCESS_KEY", cfg.Publish.AccessKey)
	cfg.Publish.SecretKey = l.envString("M3U8D_PUBLISH_SECRET_KEY", cfg.Publish.SecretKey)
	cfg.Publish.Bucket = l.envString("M3U8D_PUBLISH_BUCKET", cfg.Publish.Bucket)
	cfg.Publish.Prefix = l.envString("M3U8D_PUBLISH_PREFIX", cfg.Publish.Prefix)
	cfg.Publish.UseSSL = l.envBool("M3U8D_PUBLISH_USE_SSL", cfg.Publish.UseSSL)
}

// UnknownEnvKeys lists M3U8D_* variables that no setting consumed. Call after Load.
func (l *Loader) UnknownEnvKeys() []string {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, ok := l.ConsumedEnvKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	return unknown
}
