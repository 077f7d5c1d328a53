// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync run metrics
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of sync runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"sync_type", "status"},
	)

	SyncRecordsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_records_processed_total",
			Help: "Total number of upstream records processed by sync runs",
		},
	)

	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_errors_total",
			Help: "Total number of failed sync runs by error type",
		},
		[]string{"error_type"}, // "timeout", "fetch", "database", "other"
	)

	SyncLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last sync run that wrote records",
		},
	)

	SyncInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_in_progress",
			Help: "1 while a sync run holds the claim in this process",
		},
	)

	SyncTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_triggers_total",
			Help: "Sync trigger requests by source and outcome",
		},
		[]string{"source", "outcome"}, // source: api, cron, interval, startup
	)

	// Upstream fetch metrics
	FetchPages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_pages_total",
			Help: "Upstream pages by result",
		},
		[]string{"result"}, // "ok", "cached", "skipped", "error"
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Latency of upstream page requests (excluding rate limiter wait)",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "upstream_rate_limit_wait_seconds",
			Help:    "Time callers spent blocked on the shared rate limiter",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Retries scheduled by the retry engine, by error category",
		},
		[]string{"category"},
	)

	// Bulk write metrics
	UpsertRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upsert_rows_total",
			Help: "Rows handled by bulk upserts by outcome",
		},
		[]string{"outcome"}, // "inserted", "updated", "skipped", "failed"
	)

	UpsertBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upsert_batch_duration_seconds",
			Help:    "Duration of one bulk upsert call",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect"},
	)

	UpsertRowFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upsert_row_fallbacks_total",
			Help: "Batches that fell back to per-row isolation",
		},
		[]string{"dialect"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database statements in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_query_errors_total",
			Help: "Total number of failed database statements",
		},
		[]string{"operation", "table"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by backend",
		},
		[]string{"backend"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by backend",
		},
		[]string{"backend"},
	)

	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Cache backend failures that were degraded to misses",
		},
		[]string{"backend", "operation"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by result",
		},
		[]string{"name", "result"}, // "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Event publishing
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Sync lifecycle events published by topic and result",
		},
		[]string{"topic", "result"},
	)

	// HTTP adapter
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Build and runtime information",
		},
		[]string{"version", "dialect"},
	)
)

// ErrorClassifier maps a run error to a low-cardinality label. The sync
// package installs one that understands its own error types.
type ErrorClassifier func(err error) string

// RecordSyncOperation records the outcome of one sync run.
// written is the number of rows that changed; the last-success gauge only
// moves when the run completed and wrote something.
func RecordSyncOperation(syncType, status string, duration time.Duration, processed, written int, err error, classify ErrorClassifier) {
	SyncDuration.WithLabelValues(syncType, status).Observe(duration.Seconds())
	SyncRecordsProcessed.Add(float64(processed))

	if err != nil {
		label := "other"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			label = "timeout"
		case classify != nil:
			label = classify(err)
		}
		SyncErrors.WithLabelValues(label).Inc()
		return
	}
	if written > 0 {
		SyncLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordUpsert adds one batch result to the row counters.
func RecordUpsert(dialect string, duration time.Duration, inserted, updated, skipped, failed int) {
	UpsertBatchDuration.WithLabelValues(dialect).Observe(duration.Seconds())
	UpsertRows.WithLabelValues("inserted").Add(float64(inserted))
	UpsertRows.WithLabelValues("updated").Add(float64(updated))
	UpsertRows.WithLabelValues("skipped").Add(float64(skipped))
	UpsertRows.WithLabelValues("failed").Add(float64(failed))
}

// RecordDBQuery records a statement's latency and, on error, its failure.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
