// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSleeper records requested delays instead of sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (f *fakeSleeper) sleep(ctx context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return ctx.Err()
}

func (f *fakeSleeper) total() time.Duration {
	var sum time.Duration
	for _, d := range f.delays {
		sum += d
	}
	return sum
}

// statusUpstream answers with the given codes in order, then 200.
func statusUpstream(t *testing.T, codes ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(calls.Add(1))
		if n <= len(codes) {
			w.WriteHeader(codes[n-1])
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func callUpstream(url string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode}
		}
		return nil
	}
}

func TestDo_RateLimitedTwiceThenSucceeds(t *testing.T) {
	srv, calls := statusUpstream(t, http.StatusTooManyRequests, http.StatusTooManyRequests)
	sleeper := &fakeSleeper{}
	engine := New(nil, WithSleeper(sleeper.sleep))

	attempts, err := engine.Do(context.Background(), "fetch", callUpstream(srv.URL))

	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, attempts, 3)
	require.Len(t, sleeper.delays, 2)

	// linear: 5s*1 + 5s*2 = 15s, each within +/-10% jitter
	policy := DefaultPolicies()[RateLimit]
	for i, d := range sleeper.delays {
		base := policy.DelayFor(i + 1)
		lo := time.Duration(float64(base) * (1 - policy.JitterRange))
		hi := time.Duration(float64(base) * (1 + policy.JitterRange))
		assert.GreaterOrEqual(t, d, lo, "delay %d", i+1)
		assert.LessOrEqual(t, d, hi, "delay %d", i+1)
	}
	assert.InDelta(t, float64(15*time.Second), float64(sleeper.total()), float64(1500*time.Millisecond))
	assert.Equal(t, sleeper.total(), TotalDelay(attempts))
}

func TestDo_RateLimitedExactDelayWithoutJitterOffset(t *testing.T) {
	srv, _ := statusUpstream(t, http.StatusTooManyRequests, http.StatusTooManyRequests)
	sleeper := &fakeSleeper{}
	engine := New(nil, WithSleeper(sleeper.sleep), WithRand(func() float64 { return 0.5 }))

	_, err := engine.Do(context.Background(), "fetch", callUpstream(srv.URL))

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.delays)
}

func TestDo_ForbiddenIsNotRetried(t *testing.T) {
	srv, calls := statusUpstream(t, http.StatusForbidden)
	sleeper := &fakeSleeper{}
	engine := New(nil, WithSleeper(sleeper.sleep))

	attempts, err := engine.Do(context.Background(), "fetch", callUpstream(srv.URL))

	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, attempts, 1)
	assert.Empty(t, sleeper.delays)
}

func TestDo_UnauthorizedRetriedOnce(t *testing.T) {
	srv, calls := statusUpstream(t, http.StatusUnauthorized, http.StatusUnauthorized, http.StatusUnauthorized)
	sleeper := &fakeSleeper{}
	engine := New(nil, WithSleeper(sleeper.sleep))

	_, err := engine.Do(context.Background(), "fetch", callUpstream(srv.URL))

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, Authentication, exhausted.Category)
	assert.Equal(t, 2, exhausted.Attempts)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDo_ServerErrorExhausted(t *testing.T) {
	sleeper := &fakeSleeper{}
	engine := New(nil, WithSleeper(sleeper.sleep), WithRand(func() float64 { return 0.5 }))

	calls := 0
	_, err := engine.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return &StatusError{Code: http.StatusBadGateway}
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 5 * time.Second}, sleeper.delays)
	var se *StatusError
	assert.ErrorAs(t, err, &se, "last error stays reachable")
}

func TestDo_ClientErrorSurfacesImmediately(t *testing.T) {
	engine := New(nil, WithSleeper((&fakeSleeper{}).sleep))
	calls := 0
	_, err := engine.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return &StatusError{Code: http.StatusNotFound}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestDo_ConstraintViolationNotRetried(t *testing.T) {
	engine := New(nil, WithSleeper((&fakeSleeper{}).sleep))
	calls := 0
	_, err := engine.Do(context.Background(), "upsert", func(context.Context) error {
		calls++
		return Permanent(errors.New("duplicate key"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryAfterRaisesDelay(t *testing.T) {
	sleeper := &fakeSleeper{}
	engine := New(nil, WithSleeper(sleeper.sleep), WithRand(func() float64 { return 0.5 }))

	calls := 0
	_, err := engine.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls == 1 {
			return &StatusError{Code: http.StatusTooManyRequests, RetryAfter: 30 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.delays)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	engine := New(nil, WithSleeper(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := engine.Do(ctx, "fetch", func(context.Context) error {
		return &StatusError{Code: http.StatusServiceUnavailable}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_AlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	_, err := New(nil).Do(ctx, "fetch", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestDelay_JitterNeverNegative(t *testing.T) {
	policies := Policies{Network: {MaxAttempts: 3, BaseDelay: time.Second, Strategy: Fixed, JitterRange: 5}}
	engine := New(policies, WithRand(func() float64 { return 0 }))
	assert.Equal(t, time.Duration(0), engine.Delay(1, Network))
}

func TestShouldRetry(t *testing.T) {
	engine := New(nil)
	err := &StatusError{Code: http.StatusServiceUnavailable}

	assert.True(t, engine.ShouldRetry(err, 1, ServerError))
	assert.True(t, engine.ShouldRetry(err, 2, ServerError))
	assert.False(t, engine.ShouldRetry(err, 3, ServerError))
	assert.False(t, engine.ShouldRetry(&StatusError{Code: http.StatusForbidden}, 1, Authentication))
	assert.False(t, engine.ShouldRetry(nil, 1, Network))
	assert.False(t, engine.ShouldRetry(context.Canceled, 1, Network))
}
