// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
// The first file found will be used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/vulnsync/config.yaml",
	"/etc/vulnsync/config.yml",
}

// ConfigPathEnvVar is the environment variable that can override the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultNVDBaseURL is the NVD CVE API 2.0 endpoint.
const DefaultNVDBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

// defaultConfig returns a Config struct with all sensible default values.
// These defaults are applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3857,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "file:/data/vulnsync.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Upstream: UpstreamConfig{
			BaseURL:        DefaultNVDBaseURL,
			RequestTimeout: 30 * time.Second,
			PageSize:       2000,
			RateRequests:   0, // resolved by EffectiveRateRequests
			RateWindow:     30 * time.Second,
		},
		Sync: SyncConfig{
			Workers:             5,
			BatchSize:           500,
			Namespace:           "cve",
			JobTimeout:          2 * time.Hour,
			StaleAfter:          30 * time.Second,
			FullCron:            "0 3 * * 0",
			IncrementalInterval: 2 * time.Hour,
		},
		Cache: CacheConfig{
			Enabled: true,
			TTL:     5 * time.Minute,
			Backend: "memory",
		},
		Events: EventsConfig{
			Enabled: false,
			Backend: "gochannel",
			Topic:   "vulnsync.sync",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		API: APIConfig{
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
	}
}

// LoadWithKoanf loads configuration in three layers:
//  1. struct defaults
//  2. YAML config file (CONFIG_PATH or DefaultConfigPaths)
//  3. environment variables
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// NVD_API_KEY -> upstream.api_key, SYNC_WORKERS -> sync.workers
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file, or "" when none is found.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envMappings maps lower-cased environment variable names to koanf paths.
var envMappings = map[string]string{
	"http_host":             "server.host",
	"http_port":             "server.port",
	"http_read_timeout":     "server.read_timeout",
	"http_write_timeout":    "server.write_timeout",
	"http_shutdown_timeout": "server.shutdown_timeout",

	"db_driver":            "database.driver",
	"db_dsn":               "database.dsn",
	"db_max_open_conns":    "database.max_open_conns",
	"db_max_idle_conns":    "database.max_idle_conns",
	"db_conn_max_lifetime": "database.conn_max_lifetime",

	"nvd_base_url":        "upstream.base_url",
	"nvd_api_key":         "upstream.api_key",
	"nvd_request_timeout": "upstream.request_timeout",
	"nvd_page_size":       "upstream.page_size",
	"nvd_rate_requests":   "upstream.rate_requests",
	"nvd_rate_window":     "upstream.rate_window",

	"sync_workers":              "sync.workers",
	"sync_batch_size":           "sync.batch_size",
	"sync_namespace":            "sync.namespace",
	"sync_max_retries":          "sync.max_retries",
	"sync_retry_base_delay":     "sync.retry_base_delay",
	"sync_job_timeout":          "sync.job_timeout",
	"sync_stale_after":          "sync.stale_after",
	"sync_full_cron":            "sync.full_cron",
	"sync_incremental_interval": "sync.incremental_interval",
	"sync_on_start":             "sync.sync_on_start",

	"cache_enabled": "cache.enabled",
	"cache_ttl":     "cache.ttl",
	"cache_backend": "cache.backend",
	"cache_path":    "cache.path",

	"events_enabled": "events.enabled",
	"events_backend": "events.backend",
	"events_topic":   "events.topic",
	"nats_url":       "events.nats_url",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"api_rate_limit_requests": "api.rate_limit_requests",
	"api_rate_limit_window":   "api.rate_limit_window",
}

// envTransformFunc transforms environment variable names to koanf config paths.
// Unmapped variables return "" so that unrelated environment does not leak into config.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
