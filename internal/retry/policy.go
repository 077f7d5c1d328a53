// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package retry

import (
	"math"
	"time"
)

// Category groups failures that share a retry policy.
type Category int

const (
	Unknown Category = iota
	Network
	RateLimit
	ServerError
	Database
	Authentication
	ClientError
)

func (c Category) String() string {
	switch c {
	case Network:
		return "network"
	case RateLimit:
		return "rate_limit"
	case ServerError:
		return "server_error"
	case Database:
		return "database"
	case Authentication:
		return "authentication"
	case ClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Strategy selects the delay curve.
type Strategy int

const (
	Exponential Strategy = iota
	Linear
	Fixed
	Fibonacci
)

func (s Strategy) String() string {
	switch s {
	case Linear:
		return "linear"
	case Fixed:
		return "fixed"
	case Fibonacci:
		return "fibonacci"
	default:
		return "exponential"
	}
}

// Policy is the retry budget for one category. MaxAttempts counts the first
// call, so MaxAttempts=1 means "never retry".
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    Strategy
	Multiplier  float64
	JitterRange float64
}

// Retryable reports whether the policy allows any retry at all.
func (p Policy) Retryable() bool {
	return p.MaxAttempts > 1
}

// DelayFor returns the un-jittered delay after the given 1-based attempt,
// capped at MaxDelay.
func (p Policy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := float64(p.BaseDelay)
	var d float64
	switch p.Strategy {
	case Linear:
		d = base * float64(attempt)
	case Fixed:
		d = base
	case Fibonacci:
		d = base * float64(fib(attempt))
	default:
		mult := p.Multiplier
		if mult <= 0 {
			mult = 2
		}
		d = base * math.Pow(mult, float64(attempt-1))
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// fib(1) = fib(2) = 1.
func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, b = b, a+b
		if b < 0 {
			return math.MaxInt64
		}
	}
	if n <= 2 {
		return 1
	}
	return b
}

const (
	defaultMaxDelay = 60 * time.Second
	defaultJitter   = 0.1
)

// Policies maps each category to its policy.
type Policies map[Category]Policy

// DefaultPolicies returns the built-in budgets.
func DefaultPolicies() Policies {
	return Policies{
		Network:        {MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: defaultMaxDelay, Strategy: Exponential, Multiplier: 2, JitterRange: defaultJitter},
		RateLimit:      {MaxAttempts: 10, BaseDelay: 5 * time.Second, MaxDelay: defaultMaxDelay, Strategy: Linear, JitterRange: defaultJitter},
		ServerError:    {MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: defaultMaxDelay, Strategy: Exponential, Multiplier: 2.5, JitterRange: defaultJitter},
		Database:       {MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: defaultMaxDelay, Strategy: Exponential, Multiplier: 2, JitterRange: defaultJitter},
		Authentication: {MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: defaultMaxDelay, Strategy: Fixed, JitterRange: defaultJitter},
		ClientError:    {MaxAttempts: 1},
		Unknown:        {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: defaultMaxDelay, Strategy: Exponential, Multiplier: 2, JitterRange: defaultJitter},
	}
}

// WithOverrides returns a copy where every retryable category uses maxAttempts
// and baseDelay when they are non-zero. Categories that never retry stay that way.
func (p Policies) WithOverrides(maxAttempts int, baseDelay time.Duration) Policies {
	out := make(Policies, len(p))
	for cat, pol := range p {
		if pol.Retryable() {
			if maxAttempts > 0 {
				pol.MaxAttempts = maxAttempts
			}
			if baseDelay > 0 {
				pol.BaseDelay = baseDelay
			}
		}
		out[cat] = pol
	}
	return out
}

// For returns the policy for c, falling back to Unknown.
func (p Policies) For(c Category) Policy {
	if pol, ok := p[c]; ok {
		return pol
	}
	if pol, ok := p[Unknown]; ok {
		return pol
	}
	return Policy{MaxAttempts: 1}
}
