// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package metrics provides the Prometheus collectors exported by vulnsync.

All collectors are registered on the default registry through promauto and
served by the HTTP adapter at /metrics:

	curl http://localhost:3857/metrics

# Available Metrics

Sync runs:
  - sync_duration_seconds{sync_type,status}
  - sync_records_processed_total
  - sync_errors_total{error_type}
  - sync_last_success_timestamp
  - sync_in_progress
  - sync_triggers_total{source,outcome}

Upstream:
  - upstream_pages_total{result}
  - upstream_request_duration_seconds
  - upstream_rate_limit_wait_seconds
  - retry_attempts_total{category}
  - circuit_breaker_state{name}, circuit_breaker_requests_total{name,result}

Storage:
  - upsert_rows_total{outcome}
  - upsert_batch_duration_seconds{dialect}
  - upsert_row_fallbacks_total{dialect}
  - db_query_duration_seconds{operation,table}

Cache:
  - cache_hits_total{backend}, cache_misses_total{backend}, cache_errors_total{backend,operation}
*/
package metrics
