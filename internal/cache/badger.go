// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const badgerKeyPrefix = "cache:"

// BadgerCache persists entries in BadgerDB and relies on its entry TTL for
// expiry, so cached pages survive a restart. Values are stored as bytes:
// []byte values are written as is, anything else is JSON-encoded, and Get
// always returns []byte.
type BadgerCache struct {
	db  *badger.DB
	ttl time.Duration

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewBadger opens (or creates) a BadgerDB at path. An empty path opens an
// in-memory instance.
func NewBadger(path string, ttl time.Duration) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerCache{db: db, ttl: ttl}, nil
}

// Get returns the stored bytes for key.
func (b *BadgerCache) Get(key string) (interface{}, bool) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			b.errs.Add(1)
		}
		b.misses.Add(1)
		return nil, false
	}
	b.hits.Add(1)
	return val, true
}

func (b *BadgerCache) Set(key string, value interface{}) {
	b.SetWithTTL(key, value, b.ttl)
}

// SetWithTTL writes value with a badger entry TTL. Encoding and write errors
// are counted and otherwise dropped.
func (b *BadgerCache) SetWithTTL(key string, value interface{}, ttl time.Duration) {
	if err := b.set(key, value, ttl); err != nil {
		b.errs.Add(1)
	}
}

func (b *BadgerCache) set(key string, value interface{}, ttl time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(badgerKeyPrefix+key), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

func encodeValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode cache value: %w", err)
		}
		return data, nil
	}
}

func (b *BadgerCache) Delete(key string) {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerKeyPrefix + key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		b.errs.Add(1)
	}
}

func (b *BadgerCache) Clear() {
	if err := b.db.DropPrefix([]byte(badgerKeyPrefix)); err != nil {
		b.errs.Add(1)
	}
}

func (b *BadgerCache) GetStats() Stats {
	return Stats{Hits: b.hits.Load(), Misses: b.misses.Load()}
}

func (b *BadgerCache) HitRate() float64 {
	st := b.GetStats()
	return hitRate(&st)
}

// Errors returns how many backend operations failed.
func (b *BadgerCache) Errors() int64 {
	return b.errs.Load()
}

func (b *BadgerCache) Close() error {
	return b.db.Close()
}
