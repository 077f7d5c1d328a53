// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package cache provides the read-through cache placed in front of upstream
page requests.

# Backends

  - Cache: in-memory map with per-entry TTL and a background cleanup loop
  - BadgerCache: BadgerDB with native key TTLs, on disk or in memory

NewCacher builds either one from configuration and wraps it in Safe. Safe
turns a panicking or failing backend into a miss, so the fetcher keeps
talking to the upstream when the cache is broken. Nop is the disabled cache.

# Keys

GenerateKey hashes a prefix plus the request parameters. The fetcher keys
pages by the full query (offset, page size and modification window), so an
incremental window never reads a full run's page.

# Metrics

Hits, misses and backend errors are counted per backend in the cache_*
Prometheus series.

# Usage Example

	c, err := cache.NewCacher(cache.Config{Backend: cache.BackendBadger, TTL: time.Hour})
	if err != nil {
	    return err
	}
	defer c.Close()
	client, err := fetcher.New(&cfg.Upstream, limiter, engine, fetcher.WithCache(c))
*/
package cache
