// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package cache

import (
	"fmt"
	"time"

	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
)

// Safe wraps a backend so that nothing it does can fail the caller: a panic
// becomes a miss (for Get) or a no-op (for writes), and is logged and counted.
// Hits and misses are exported to Prometheus under the backend label.
type Safe struct {
	inner   Cacher
	backend string
}

// NewSafe wraps inner. backend is used as the metrics label.
func NewSafe(inner Cacher, backend string) *Safe {
	return &Safe{inner: inner, backend: backend}
}

func (s *Safe) guard(op string) {
	if r := recover(); r != nil {
		metrics.CacheErrors.WithLabelValues(s.backend, op).Inc()
		logging.Warn().
			Str("backend", s.backend).
			Str("op", op).
			Str("panic", fmt.Sprint(r)).
			Msg("Cache backend failed, continuing without cache")
	}
}

func (s *Safe) Get(key string) (v interface{}, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CacheErrors.WithLabelValues(s.backend, "get").Inc()
			logging.Warn().Str("backend", s.backend).Str("panic", fmt.Sprint(r)).Msg("Cache get failed, treating as miss")
			v, ok = nil, false
		}
		if ok {
			metrics.CacheHits.WithLabelValues(s.backend).Inc()
		} else {
			metrics.CacheMisses.WithLabelValues(s.backend).Inc()
		}
	}()
	return s.inner.Get(key)
}

func (s *Safe) Set(key string, value interface{}) {
	defer s.guard("set")
	s.inner.Set(key, value)
}

func (s *Safe) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	defer s.guard("set")
	s.inner.SetWithTTL(key, value, ttl)
}

func (s *Safe) Delete(key string) {
	defer s.guard("delete")
	s.inner.Delete(key)
}

func (s *Safe) Clear() {
	defer s.guard("clear")
	s.inner.Clear()
}

func (s *Safe) GetStats() (st Stats) {
	defer s.guard("stats")
	return s.inner.GetStats()
}

func (s *Safe) HitRate() (rate float64) {
	defer s.guard("stats")
	return s.inner.HitRate()
}

func (s *Safe) Close() (err error) {
	defer s.guard("close")
	return s.inner.Close()
}

// Nop is the disabled cache: every Get misses and writes are discarded.
type Nop struct{}

func (Nop) Get(string) (interface{}, bool) { return nil, false }
func (Nop) Set(string, interface{}) {}
func (Nop) SetWithTTL(string, interface{}, time.Duration) {}
func (Nop) Delete(string) {}
func (Nop) Clear() {}
func (Nop) GetStats() Stats { return Stats{} }
func (Nop) HitRate() float64 { return 0 }
func (Nop) Close() error { return nil }
