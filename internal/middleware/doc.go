// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package middleware provides HTTP middleware shared by the API router.

Key Components:

  - Request ID: X-Request-ID propagation. The ID doubles as the correlation
    ID, so a sync started over HTTP logs under the caller's request ID.
  - Prometheus Metrics: request counts and latency per route pattern

Both are plain func(http.Handler) http.Handler and plug into chi's r.Use:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
*/
package middleware
