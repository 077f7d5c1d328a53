// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
)

// Attempt records one call made by Engine.Do.
type Attempt struct {
	Number   int
	Delay    time.Duration // wait scheduled after this attempt; zero for the last one
	Err      error
	At       time.Time
	Duration time.Duration
}

// ExhaustedError is returned when a category's attempt budget runs out.
type ExhaustedError struct {
	Op       string
	Attempts int
	Category Category
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s retries exhausted after %d attempts: %v", e.Op, e.Category, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Engine applies Policies around fallible calls. It holds no per-call state
// and is safe for concurrent use.
type Engine struct {
	policies Policies
	sleep    Sleeper
	rand     func() float64
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleeper replaces the real timer, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithRand replaces the jitter source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(e *Engine) { e.rand = f }
}

// WithClock replaces time.Now for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an Engine. A nil policies map means DefaultPolicies.
func New(policies Policies, opts ...Option) *Engine {
	if policies == nil {
		policies = DefaultPolicies()
	}
	e := &Engine{
		policies: policies,
		sleep:    sleepContext,
		rand:     rand.Float64,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policies returns the engine's policy table.
func (e *Engine) Policies() Policies {
	return e.policies
}

// Delay returns the jittered wait after attempt for category c:
// DelayFor(attempt) ± DelayFor(attempt)*JitterRange, never negative.
func (e *Engine) Delay(attempt int, c Category) time.Duration {
	p := e.policies.For(c)
	d := p.DelayFor(attempt)
	if p.JitterRange <= 0 || d <= 0 {
		return d
	}
	offset := (2*e.rand() - 1) * float64(d) * p.JitterRange
	jittered := float64(d) + offset
	if jittered < 0 {
		return 0
	}
	return time.Duration(jittered)
}

// ShouldRetry reports whether another call may follow a failed attempt.
func (e *Engine) ShouldRetry(err error, attempt int, c Category) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if !Classify(err).Retryable {
		return false
	}
	return attempt < e.policies.For(c).MaxAttempts
}

// Do calls fn until it succeeds, fails with a non-retryable error, or the
// budget of the failure's category is spent. The budget is taken from the
// category of the most recent failure. A non-retryable error is returned as
// is; a spent budget yields *ExhaustedError wrapping the last error.
func (e *Engine) Do(ctx context.Context, op string, fn func(ctx context.Context) error) ([]Attempt, error) {
	var attempts []Attempt

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		start := e.now()
		err := fn(ctx)
		a := Attempt{Number: n, Err: err, At: start, Duration: e.now().Sub(start)}
		if err == nil {
			attempts = append(attempts, a)
			return attempts, nil
		}

		class := Classify(err)
		if ctx.Err() != nil {
			attempts = append(attempts, a)
			return attempts, err
		}
		if !e.ShouldRetry(err, n, class.Category) {
			attempts = append(attempts, a)
			if !class.Retryable {
				return attempts, err
			}
			return attempts, &ExhaustedError{Op: op, Attempts: n, Category: class.Category, Err: err}
		}

		delay := e.Delay(n, class.Category)
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > delay {
			delay = se.RetryAfter
		}
		a.Delay = delay
		attempts = append(attempts, a)

		metrics.RetryAttempts.WithLabelValues(class.Category.String()).Inc()
		logging.Ctx(ctx).Warn().Err(err).
			Str("op", op).
			Str("category", class.Category.String()).
			Int("attempt", n).
			Int("max_attempts", e.policies.For(class.Category).MaxAttempts).
			Dur("delay", delay).
			Msg("Retry attempt")

		if err := e.sleep(ctx, delay); err != nil {
			return attempts, err
		}
	}
}

// TotalDelay sums the scheduled waits of attempts.
func TotalDelay(attempts []Attempt) time.Duration {
	var total time.Duration
	for _, a := range attempts {
		total += a.Delay
	}
	return total
}
