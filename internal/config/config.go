// Quaver - Multi-User Music Download Coordinator
// Copyright 2026 The Quaver Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quaverhq/quaver

// Package config loads and validates application configuration.
//
// Configuration is loaded via Koanf v2 with layered sources, highest
// priority last:
//
//  1. Built-in defaults
//  2. Optional YAML config file (config.yaml, or CONFIG_PATH)
//  3. Environment variables (SERVER_PORT, DOWNLOADS_CONCURRENCY, ...)
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Downloads DownloadsConfig `koanf:"downloads"`
	Sessions  SessionsConfig  `koanf:"sessions"`
	Provider  ProviderConfig  `koanf:"provider"`
	History   HistoryConfig   `koanf:"history"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the listen address (default 0.0.0.0).
	Host string `koanf:"host" validate:"required"`

	// Port is the listen port (default 6595, matching the classic
	// deemix web port so existing reverse-proxy setups keep working).
	Port int `koanf:"port" validate:"gte=1,lte=65535"`

	// Timeout bounds request read/write; ShutdownTimeout bounds
	// graceful drain on SIGTERM.
	Timeout         time.Duration `koanf:"timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// CORSOrigins lists allowed browser origins. "*" during development.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimit is requests per RateLimitWindow per client IP.
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// DownloadsConfig holds queue and scheduler settings.
type DownloadsConfig struct {
	// Concurrency is the global cap on simultaneously running download
	// jobs across all sessions.
	Concurrency int `koanf:"concurrency" validate:"gte=1,lte=64"`

	// SessionConcurrency caps running jobs per session. Must not exceed
	// the global cap.
	SessionConcurrency int `koanf:"session_concurrency" validate:"gte=1"`

	// MaxAttempts is the attempt ceiling for retryable failures. A job
	// whose attempt count would exceed this transitions to failed.
	MaxAttempts int `koanf:"max_attempts" validate:"gte=1,lte=10"`

	// BackoffBase and BackoffCap parameterize exponential retry delay:
	// base * 2^attempt, capped at BackoffCap.
	BackoffBase time.Duration `koanf:"backoff_base"`
	BackoffCap  time.Duration `koanf:"backoff_cap"`

	// AttemptTimeout bounds a single dispatch; exceeding it counts as a
	// retryable failure.
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`

	// Directory is where completed tracks are written.
	Directory string `koanf:"directory" validate:"required"`

	// Quality is the default requested quality (mp3_128, mp3_320, flac).
	Quality string `koanf:"quality" validate:"oneof=mp3_128 mp3_320 flac"`

	// TagFiles enables ID3 tagging of completed MP3 downloads.
	TagFiles bool `koanf:"tag_files"`
}

// SessionsConfig holds browser-session settings.
type SessionsConfig struct {
	// IdleTimeout evicts a session (and force-cancels its jobs) after
	// this much inactivity. ReapInterval is how often eviction runs.
	IdleTimeout  time.Duration `koanf:"idle_timeout"`
	ReapInterval time.Duration `koanf:"reap_interval"`

	// TokenSecret signs browser session tokens (32+ chars when set;
	// unset means a random ephemeral key and sessions do not survive a
	// restart). TokenTTL is the token lifetime; reconnecting within it
	// resumes the session.
	TokenSecret string        `koanf:"token_secret" validate:"omitempty,min=32"`
	TokenTTL    time.Duration `koanf:"token_ttl"`

	// SingleUser enables auto-login of new sessions with the stored
	// provider credentials.
	SingleUser bool `koanf:"single_user"`
}

// ProviderConfig holds settings for the external catalog provider.
type ProviderConfig struct {
	// ARL is the stored provider credential used for single-user
	// auto-login. ARLFile, if set, is read instead (credential kept out
	// of the environment). Both may be empty in multi-user deployments.
	ARL     string `koanf:"arl"`
	ARLFile string `koanf:"arl_file"`

	// RateLimit throttles provider API calls (requests/second with
	// RateBurst burst). The provider enforces its own limits; staying
	// under them avoids transient 4xx churn.
	RateLimit float64 `koanf:"rate_limit" validate:"gt=0"`
	RateBurst int     `koanf:"rate_burst" validate:"gte=1"`

	// Timeout bounds individual metadata/API calls.
	Timeout time.Duration `koanf:"timeout"`
}

// HistoryConfig holds the terminal-job journal settings.
type HistoryConfig struct {
	Enabled bool `koanf:"enabled"`

	// Path is the BadgerDB directory for the history store.
	Path string `koanf:"path"`

	// Retention prunes records older than this. Zero keeps everything.
	Retention time.Duration `koanf:"retention"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// loaded first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            6595,
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimit:       300,
			RateLimitWindow: time.Minute,
		},
		Downloads: DownloadsConfig{
			Concurrency:        3,
			SessionConcurrency: 3,
			MaxAttempts:        3,
			BackoffBase:        2 * time.Second,
			BackoffCap:         2 * time.Minute,
			AttemptTimeout:     10 * time.Minute,
			Directory:          "/data/downloads",
			Quality:            "mp3_320",
			TagFiles:           true,
		},
		Sessions: SessionsConfig{
			IdleTimeout:  30 * time.Minute,
			ReapInterval: time.Minute,
			TokenSecret:  "",
			TokenTTL:     7 * 24 * time.Hour,
			SingleUser:   true,
		},
		Provider: ProviderConfig{
			ARL:       "",
			ARLFile:   "",
			RateLimit: 10,
			RateBurst: 20,
			Timeout:   30 * time.Second,
		},
		History: HistoryConfig{
			Enabled:   true,
			Path:      "/data/history",
			Retention: 90 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}
