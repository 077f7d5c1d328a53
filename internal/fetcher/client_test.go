// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/vulnsync/internal/cache"
	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/ratelimit"
	"github.com/tomtom215/vulnsync/internal/retry"
)

func pageJSON(start, total int, ids ...string) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		items[i] = fmt.Sprintf(`{"cve":{"id":%q,"lastModified":"2024-06-0%dT08:30:00.000","vulnStatus":"Analyzed",
			"descriptions":[{"lang":"en","value":"desc %s"}]}}`, id, i+1, id)
	}
	return fmt.Sprintf(`{"resultsPerPage":%d,"startIndex":%d,"totalResults":%d,"format":"NVD_CVE","version":"2.0",
		"vulnerabilities":[%s]}`, len(ids), start, total, strings.Join(items, ","))
}

// noSleep records requested delays without waiting.
type noSleep struct {
	delays []time.Duration
}

func (s *noSleep) sleep(_ context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *noSleep) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sleeper := &noSleep{}
	engine := retry.New(retry.DefaultPolicies(), retry.WithSleeper(sleeper.sleep), retry.WithRand(func() float64 { return 0.5 }))
	cfg := &config.UpstreamConfig{BaseURL: srv.URL + "/rest/json/cves/2.0", APIKey: "test-key", PageSize: 2}

	c, err := New(cfg, ratelimit.New(0, 0), engine, opts...)
	require.NoError(t, err)
	return c, sleeper
}

func TestFetchPage_DecodesAndComputesNext(t *testing.T) {
	var mu sync.Mutex
	var gotQuery, gotKey string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("apiKey")
		mu.Unlock()
		_, _ = w.Write([]byte(pageJSON(0, 5, "CVE-2024-0001", "CVE-2024-0002")))
	}))

	since := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(48 * time.Hour)
	page, err := c.FetchPage(context.Background(), Cursor{PageSize: 2, ModifiedSince: &since, ModifiedUntil: &until})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "test-key", gotKey)
	assert.Contains(t, gotQuery, "resultsPerPage=2")
	assert.Contains(t, gotQuery, "startIndex=0")
	assert.Contains(t, gotQuery, "lastModStartDate=2024-05-01T00%3A00%3A00.000Z")
	assert.Contains(t, gotQuery, "lastModEndDate=2024-05-03T00%3A00%3A00.000Z")

	require.Len(t, page.Records, 2)
	assert.Equal(t, 5, page.TotalResults)
	assert.Equal(t, "CVE-2024-0002", page.LastID())
	assert.Equal(t, time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC), page.Records[0].LastModified)
	require.NotNil(t, page.Next)
	assert.Equal(t, 2, page.Next.StartIndex)
	assert.Equal(t, &since, page.Next.ModifiedSince)
}

func TestFetchPage_LastPageHasNoNext(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pageJSON(4, 5, "CVE-2024-0005")))
	}))
	page, err := c.FetchPage(context.Background(), Cursor{StartIndex: 4, PageSize: 2})
	require.NoError(t, err)
	assert.Nil(t, page.Next)

	empty, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pageJSON(0, 0)))
	}))
	page, err = empty.FetchPage(context.Background(), Cursor{PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Records)
	assert.Nil(t, page.Next)
}

func TestFetchPage_NoAPIKeyHeaderWithoutKey(t *testing.T) {
	var sawHeader atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present := r.Header["Apikey"]
		sawHeader.Store(present)
		_, _ = w.Write([]byte(pageJSON(0, 0)))
	}))
	defer srv.Close()

	engine := retry.New(retry.DefaultPolicies())
	c, err := New(&config.UpstreamConfig{BaseURL: srv.URL, PageSize: 10}, ratelimit.New(0, 0), engine)
	require.NoError(t, err)

	_, err = c.FetchPage(context.Background(), Cursor{PageSize: 10})
	require.NoError(t, err)
	assert.False(t, sawHeader.Load())
}

func TestFetchPage_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c, sleeper := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(pageJSON(0, 1, "CVE-2024-0001")))
	}))

	page, err := c.FetchPage(context.Background(), Cursor{PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, page.Records, 1)
	assert.Equal(t, int32(3), calls.Load())

	// linear 5s policy, jitter neutral at rand 0.5
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, sleeper.delays)
}

func TestFetchPage_ServerErrorExhausts(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))

	_, err := c.FetchPage(context.Background(), Cursor{PageSize: 2})
	require.Error(t, err)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 3, fe.Attempts)

	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPage_ClientErrorNotRetried(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusForbidden} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			var calls atomic.Int32
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(code)
				_, _ = w.Write([]byte(strings.Repeat("x", maxErrorBodySize+100)))
			}))

			_, err := c.FetchPage(context.Background(), Cursor{PageSize: 2})
			var se *retry.StatusError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, code, se.Code)
			assert.True(t, strings.HasSuffix(se.Body, "(truncated)"))
			assert.LessOrEqual(t, len(se.Body), maxErrorBodySize+len("\n... (truncated)"))
			assert.Equal(t, int32(1), calls.Load())
			assert.False(t, retry.Classify(err).Retryable)
		})
	}
}

func TestFetchPage_CacheHitSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	mem := cache.New(time.Minute)
	defer func() { _ = mem.Close() }()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(pageJSON(0, 2, "CVE-2024-0001", "CVE-2024-0002")))
	}), WithCache(mem))

	first, err := c.FetchPage(context.Background(), Cursor{PageSize: 2})
	require.NoError(t, err)
	second, err := c.FetchPage(context.Background(), Cursor{PageSize: 2})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, first.Records[1].ID, second.Records[1].ID)

	// a different cursor is a different key
	_, err = c.FetchPage(context.Background(), Cursor{StartIndex: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchPage_CanceledContext(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(pageJSON(0, 0)))
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchPage(ctx, Cursor{PageSize: 2})
	require.ErrorIs(t, err, context.Canceled)
	var fe *FetchError
	assert.False(t, errors.As(err, &fe))
}

func TestFetchPage_InvalidCursor(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	since := time.Now().Add(-200 * 24 * time.Hour)
	until := time.Now()
	_, err := c.FetchPage(context.Background(), Cursor{PageSize: 2, ModifiedSince: &since, ModifiedUntil: &until})
	require.ErrorIs(t, err, ErrWindowTooLong)
}

func TestFetchPage_BadJSON(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"vulnerabilities": [`))
	}))
	_, err := c.FetchPage(context.Background(), Cursor{PageSize: 2})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, 1, fe.Attempts)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(&config.UpstreamConfig{BaseURL: "ftp://example.com"}, ratelimit.New(0, 0), retry.New(retry.DefaultPolicies()))
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), "input %q", tt.in)
	}
}
