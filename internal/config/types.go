// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads, validates and hot-reloads the daemon configuration.
//
// Precedence is ENV > file > defaults. The YAML file is parsed strictly:
// unknown keys are rejected so typos never silently fall back to defaults.
package config

import "time"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Listen      string `yaml:"listen"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	// SaveRoot is the directory task outputs are written under. Hot-reloadable.
	SaveRoot string `yaml:"saveRoot"`

	Control   ControlConfig   `yaml:"control"`
	Download  DownloadConfig  `yaml:"download"`
	Merge     MergeConfig     `yaml:"merge"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Retry     RetryConfig     `yaml:"retry"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Publish   PublishConfig   `yaml:"publish"`

	// Version is stamped from the binary, never read from the file.
	Version string `yaml:"-"`
}

// ControlConfig tunes the WebSocket control channel.
type ControlConfig struct {
	AllowedOrigins    []string `yaml:"allowedOrigins"`
	UpgradesPerMinute int      `yaml:"upgradesPerMinute"`
	AccessLog         bool     `yaml:"accessLog"`
}

// DownloadConfig tunes segment fetching and the retry governor.
type DownloadConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
	ProgressInterval  time.Duration `yaml:"progressInterval"`
	CheckBackoff      time.Duration `yaml:"checkBackoff"`
	RetryThreshold    int           `yaml:"retryThreshold"`
	RetryTTL          time.Duration `yaml:"retryTTL"`
	RetryCapacity     int           `yaml:"retryCapacity"`
}

type MergeConfig struct {
	FFmpegBin    string        `yaml:"ffmpegBin"`
	CleanupGrace time.Duration `yaml:"cleanupGrace"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

type QueueConfig struct {
	Backend string `yaml:"backend"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RetryConfig struct {
	Backend string `yaml:"backend"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// PublishConfig configures the optional S3-compatible upload of merged files.
type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"useSSL"`
}

// UsesRedis reports whether any backend needs a Redis connection.
func (c AppConfig) UsesRedis() bool {
	return c.Queue.Backend == "redis" || c.Retry.Backend == "redis"
}
