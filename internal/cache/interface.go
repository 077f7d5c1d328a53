// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package cache

import (
	"fmt"
	"time"
)

// Cacher is implemented by every cache backend.
//
//	var c Cacher = cache.New(5 * time.Minute)
//	c.Set(key, body)
//	if v, ok := c.Get(key); ok {
//	    body := v.([]byte)
//	}
type Cacher interface {
	// Get returns the value and true if present and not expired.
	Get(key string) (interface{}, bool)

	// Set stores value with the backend's default TTL.
	Set(key string, value interface{})

	// SetWithTTL stores value with a custom TTL.
	SetWithTTL(key string, value interface{}, ttl time.Duration)

	// Delete removes a single key.
	Delete(key string)

	// Clear drops every entry.
	Clear()

	// GetStats returns hit/miss counters.
	GetStats() Stats

	// HitRate returns hits / (hits + misses) as a percentage.
	HitRate() float64

	// Close releases background goroutines and storage handles.
	Close() error
}

// Backend names a cache implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
)

// Config selects and sizes a backend.
type Config struct {
	Backend Backend
	TTL     time.Duration
	// Path is the badger directory. Empty means an in-memory badger instance.
	Path string
}

// NewCacher builds the configured backend wrapped in NewSafe, so that a
// backend failure shows up as a miss instead of an error.
func NewCacher(cfg Config) (Cacher, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}

	switch cfg.Backend {
	case BackendBadger:
		b, err := NewBadger(cfg.Path, cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("open badger cache: %w", err)
		}
		return NewSafe(b, string(BackendBadger)), nil
	case BackendMemory, "":
		return NewSafe(New(cfg.TTL), string(BackendMemory)), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

var (
	_ Cacher = (*Cache)(nil)
	_ Cacher = (*BadgerCache)(nil)
	_ Cacher = (*Safe)(nil)
	_ Cacher = Nop{}
)
