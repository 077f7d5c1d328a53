// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package config provides centralized configuration management for vulnsync.

Configuration is layered with Koanf v2:
  - Defaults: defaultConfig()
  - Config file: CONFIG_PATH, or config.yaml / /etc/vulnsync/config.yaml
  - Environment variables: highest priority, mapped explicitly in envMappings

# Environment Variables

HTTP server:
  - HTTP_HOST, HTTP_PORT (default: 0.0.0.0:3857)

Database:
  - DB_DRIVER: postgres, mysql, sqlite, duckdb (default: sqlite)
  - DB_DSN: driver-specific data source name
  - DB_MAX_OPEN_CONNS (default: 10)

Upstream (NVD CVE API 2.0):
  - NVD_API_KEY: optional; raises the default rate limit from 5 to 50 requests per 30s
  - NVD_RATE_REQUESTS, NVD_RATE_WINDOW: explicit rate override
  - NVD_PAGE_SIZE (default: 2000, the API maximum)

Sync:
  - SYNC_WORKERS (default: 5)
  - SYNC_BATCH_SIZE (default: 500, capped per dialect)
  - SYNC_STALE_AFTER: age after which a processing claim can be taken over (default: 30s)
  - SYNC_FULL_CRON: cron expression for full syncs (default: 0 3 * * 0)
  - SYNC_INCREMENTAL_INTERVAL: 0 disables the incremental ticker (default: 2h)

Cache, events, logging and API rate limits follow the same pattern
(CACHE_*, EVENTS_*, NATS_URL, LOG_*, API_RATE_LIMIT_*).

# Usage

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}
*/
package config
