// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration loaded from defaults, an optional
// YAML file and environment variables (in that order of precedence).
//
// Config is immutable after Load() and safe for concurrent read access.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Sync     SyncConfig     `koanf:"sync"`
	Cache    CacheConfig    `koanf:"cache"`
	Events   EventsConfig   `koanf:"events"`
	Logging  LoggingConfig  `koanf:"logging"`
	API      APIConfig      `koanf:"api"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects the SQL driver and connection pool limits.
// The driver name also determines the upsert dialect.
type DatabaseConfig struct {
	Driver          string        `koanf:"driver" validate:"required,oneof=postgres pgx mysql sqlite sqlite3 duckdb"`
	DSN             string        `koanf:"dsn" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

// UpstreamConfig configures the NVD CVE API client.
type UpstreamConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	APIKey         string        `koanf:"api_key"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	PageSize       int           `koanf:"page_size" validate:"min=1,max=2000"`

	// RateRequests of 0 selects the NVD published limit for the key state:
	// 50 requests per window with an API key, 5 without.
	RateRequests int           `koanf:"rate_requests" validate:"min=0"`
	RateWindow   time.Duration `koanf:"rate_window"`
}

// NVD published public rate limits per 30 second window.
const (
	RateRequestsWithKey    = 50
	RateRequestsWithoutKey = 5
)

// EffectiveRateRequests returns the configured request budget per window,
// falling back to the NVD limit that matches whether an API key is set.
func (u UpstreamConfig) EffectiveRateRequests() int {
	if u.RateRequests > 0 {
		return u.RateRequests
	}
	if u.APIKey != "" {
		return RateRequestsWithKey
	}
	return RateRequestsWithoutKey
}

// SyncConfig controls the orchestrator, its worker pool and the scheduler.
type SyncConfig struct {
	Workers   int    `koanf:"workers" validate:"min=1,max=64"`
	BatchSize int    `koanf:"batch_size" validate:"min=1"`
	Namespace string `koanf:"namespace" validate:"required,excludes=:"`

	// MaxRetries and RetryBaseDelay override every retryable category's
	// budget when non-zero.
	MaxRetries     int           `koanf:"max_retries" validate:"min=0"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`

	JobTimeout time.Duration `koanf:"job_timeout"`
	StaleAfter time.Duration `koanf:"stale_after"`

	FullCron            string        `koanf:"full_cron" validate:"omitempty,cron"`
	IncrementalInterval time.Duration `koanf:"incremental_interval"`
	SyncOnStart         bool          `koanf:"sync_on_start"`
}

// CacheConfig configures the page response cache.
type CacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
	Backend string        `koanf:"backend" validate:"oneof=memory badger"`
	Path    string        `koanf:"path"` // badger directory; empty runs badger in memory
}

// EventsConfig configures sync lifecycle event publishing.
type EventsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Backend string `koanf:"backend" validate:"oneof=gochannel nats"`
	NATSURL string `koanf:"nats_url"`
	Topic   string `koanf:"topic" validate:"required"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// APIConfig holds rate limits for the trigger and progress routes.
type APIConfig struct {
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=1"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// Load reads configuration using the layered koanf loader and validates it.
func Load() (*Config, error) {
	return LoadWithKoanf()
}
