// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/retry"
)

// ErrCircuitOpen is returned while the breaker rejects upstream calls.
var ErrCircuitOpen = errors.New("upstream circuit breaker open")

// circuitOpenError reports a rejected call as a retryable server-side failure.
type circuitOpenError struct {
	err error
}

func (e *circuitOpenError) Error() string { return fmt.Sprintf("%s: %v", ErrCircuitOpen, e.err) }
func (e *circuitOpenError) Unwrap() []error {
	return []error{ErrCircuitOpen, e.err}
}

func (e *circuitOpenError) RetryClassification() retry.Classification {
	return retry.Classification{Category: retry.ServerError, Retryable: true}
}

// BreakerSettings tunes the upstream circuit breaker.
type BreakerSettings struct {
	MaxRequests uint32        // probes allowed while half-open
	Interval    time.Duration // closed-state counting window
	Timeout     time.Duration // open duration before probing
	MinRequests uint32        // requests needed before the ratio is considered
	FailureRate float64       // trip threshold
}

// DefaultBreakerSettings opens after a 60% failure rate over at least 10
// requests and probes again after 2 minutes.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		MinRequests: 10,
		FailureRate: 0.6,
	}
}

// breaker wraps upstream calls. Client errors and cancellations do not count
// against the upstream's health.
type breaker struct {
	cb   *gobreaker.CircuitBreaker[[]byte]
	name string
}

func newBreaker(name string, s BreakerSettings) *breaker {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= s.FailureRate {
				logging.Warn().
					Str("breaker", name).
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", ratio*100).
					Msg("Opening circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		IsSuccessful: healthyOutcome,
	})
	return &breaker{cb: cb, name: name}
}

// healthyOutcome decides what the breaker counts as success. A 4xx other
// than 429 says nothing about upstream health, and neither does our own
// cancellation.
func healthyOutcome(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *retry.StatusError
	if errors.As(err, &se) {
		return se.Code >= 400 && se.Code < 500 && se.Code != 429
	}
	return false
}

func (b *breaker) execute(fn func() ([]byte, error)) ([]byte, error) {
	body, err := b.cb.Execute(fn)
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
		return body, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return nil, &circuitOpenError{err: err}
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		return nil, err
	}
}

// State returns the breaker's current state.
func (b *breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
