// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/vulnsync/internal/cache"
	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/ratelimit"
	"github.com/tomtom215/vulnsync/internal/retry"
)

// maxErrorBodySize limits how much of a failed response is kept for the error.
const maxErrorBodySize = 64 * 1024

const breakerName = "nvd-api"

// FetchError is a page that could not be fetched after retries.
type FetchError struct {
	Cursor   Cursor
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch page at %d after %d attempts: %v", e.Cursor.StartIndex, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher is the page source used by the sync orchestrator.
type Fetcher interface {
	FetchPage(ctx context.Context, cur Cursor) (*Page, error)
}

// Client fetches pages from the upstream. It is safe for concurrent use; all
// workers share its limiter, breaker and cache.
type Client struct {
	baseURL  *url.URL
	apiKey   string
	http     *http.Client
	limiter  *ratelimit.Limiter
	retry    *retry.Engine
	cache    cache.Cacher
	breaker  *breaker
	cacheTTL time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCache enables the read-through page cache.
func WithCache(cc cache.Cacher) Option {
	return func(c *Client) {
		if cc != nil {
			c.cache = cc
		}
	}
}

// WithCacheTTL stores pages with a TTL other than the cache default.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cacheTTL = ttl }
}

// WithBreakerSettings tunes the circuit breaker.
func WithBreakerSettings(s BreakerSettings) Option {
	return func(c *Client) { c.breaker = newBreaker(breakerName, s) }
}

// New builds a client for cfg. limiter and engine are shared with the rest of
// the process and must not be nil.
func New(cfg *config.UpstreamConfig, limiter *ratelimit.Limiter, engine *retry.Engine, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL scheme %q", base.Scheme)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: limiter,
		retry:   engine,
		cache:   cache.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = newBreaker(breakerName, DefaultBreakerSettings())
	}
	return c, nil
}

// FetchPage returns the page at cur. Cache hits skip the network; misses are
// fetched under the retry engine and stored on success.
func (c *Client) FetchPage(ctx context.Context, cur Cursor) (*Page, error) {
	if err := cur.Validate(); err != nil {
		return nil, &FetchError{Cursor: cur, Err: err}
	}

	key := c.cacheKey(cur)
	if v, ok := c.cache.Get(key); ok {
		if body, ok := v.([]byte); ok {
			if page, err := decodePage(body, cur); err == nil {
				metrics.FetchPages.WithLabelValues("cached").Inc()
				return page, nil
			}
			c.cache.Delete(key)
		}
	}

	var body []byte
	attempts, err := c.retry.Do(ctx, "fetch_page", func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
		b, err := c.breaker.execute(func() ([]byte, error) {
			return c.get(ctx, cur)
		})
		if err != nil {
			c.honorRetryAfter(err)
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		metrics.FetchPages.WithLabelValues("error").Inc()
		return nil, &FetchError{Cursor: cur, Attempts: len(attempts), Err: err}
	}

	page, err := decodePage(body, cur)
	if err != nil {
		metrics.FetchPages.WithLabelValues("error").Inc()
		return nil, &FetchError{Cursor: cur, Attempts: len(attempts), Err: err}
	}
	metrics.FetchPages.WithLabelValues("ok").Inc()

	if c.cacheTTL > 0 {
		c.cache.SetWithTTL(key, body, c.cacheTTL)
	} else {
		c.cache.Set(key, body)
	}
	return page, nil
}

// get performs one HTTP round trip.
func (c *Client) get(ctx context.Context, cur Cursor) ([]byte, error) {
	u := *c.baseURL
	q := u.Query()
	for k, vs := range cur.query() {
		q[k] = vs
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apiKey", c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("request page at %d: %w", cur.StartIndex, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logging.Debug().Err(cerr).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &retry.StatusError{
			Code:       resp.StatusCode,
			Status:     resp.Status,
			Body:       readBodyForError(resp.Body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read page at %d: %w", cur.StartIndex, err)
	}
	return body, nil
}

// honorRetryAfter pauses every worker when the upstream asked us to slow down.
func (c *Client) honorRetryAfter(err error) {
	var se *retry.StatusError
	if errors.As(err, &se) && se.Code == http.StatusTooManyRequests && se.RetryAfter > 0 {
		c.limiter.PauseFor(se.RetryAfter)
		logging.Warn().Dur("retry_after", se.RetryAfter).Msg("Upstream rate limited, pausing requests")
	}
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}

func (c *Client) cacheKey(cur Cursor) string {
	params := map[string]string{"url": c.baseURL.String()}
	for k, vs := range cur.query() {
		params[k] = strings.Join(vs, ",")
	}
	return cache.GenerateKey("nvd_page", params)
}

// readBodyForError reads at most maxErrorBodySize bytes of a failed response.
func readBodyForError(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return "(failed to read response body)"
	}
	if len(body) == maxErrorBodySize {
		return string(body) + "\n... (truncated)"
	}
	return strings.TrimSpace(string(body))
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

var _ Fetcher = (*Client)(nil)
