// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package ratelimit provides the request budget shared by every fetch worker.
//
// A single Limiter is created per upstream and handed to all workers. Acquire
// blocks until a token is free and never rejects; the only error it returns
// is the caller's context error. Tokens are reserved in call order, so
// waiting workers are admitted first-come first-served.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/vulnsync/internal/metrics"
)

// Limiter is a token bucket with an additional upstream-imposed pause.
type Limiter struct {
	bucket *rate.Limiter

	mu          sync.Mutex
	pausedUntil time.Time
}

// New allows requests calls per window with a burst of one, so calls are
// spread evenly over the window.
func New(requests int, window time.Duration) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(limitFor(requests, window), 1)}
}

func limitFor(requests int, window time.Duration) rate.Limit {
	if requests <= 0 || window <= 0 {
		return rate.Inf
	}
	return rate.Every(window / time.Duration(requests))
}

// Acquire waits for a slot. Every network call to the upstream goes through here.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RateLimitWait.Observe(time.Since(start).Seconds()) }()

	if err := l.waitPause(ctx); err != nil {
		return err
	}
	return l.bucket.Wait(ctx)
}

func (l *Limiter) waitPause(ctx context.Context) error {
	l.mu.Lock()
	until := l.pausedUntil
	l.mu.Unlock()

	wait := time.Until(until)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PauseFor holds back every caller for d. Used when the upstream answers 429
// with a Retry-After hint. A shorter pause never cuts an existing one short.
func (l *Limiter) PauseFor(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	l.mu.Lock()
	if until.After(l.pausedUntil) {
		l.pausedUntil = until
	}
	l.mu.Unlock()
}

// SetRate changes the budget in place; callers already waiting keep their reservation.
func (l *Limiter) SetRate(requests int, window time.Duration) {
	l.bucket.SetLimit(limitFor(requests, window))
}

// Limit reports the current sustained rate in requests per second.
func (l *Limiter) Limit() rate.Limit {
	return l.bucket.Limit()
}
