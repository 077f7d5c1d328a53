// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/database"
	"github.com/tomtom215/vulnsync/internal/fetcher"
	"github.com/tomtom215/vulnsync/internal/ratelimit"
	"github.com/tomtom215/vulnsync/internal/retry"
)

const nvdLayout = "2006-01-02T15:04:05.000"

// upstreamRecord is one CVE served by fakeNVD.
type upstreamRecord struct {
	ID           string
	LastModified time.Time
	Description  string
}

// fakeNVD serves an in-memory dataset in the NVD CVE API 2.0 shape. It
// honors startIndex, resultsPerPage and the lastMod window.
type fakeNVD struct {
	mu      sync.Mutex
	records []upstreamRecord
	queries []string

	// intercept, when set, may answer a request itself and return true.
	intercept func(w http.ResponseWriter, r *http.Request, startIndex int) bool

	// nullIDs are served as entries whose cve is null.
	nullIDs map[string]bool
}

func newFakeNVD(n int, modified time.Time) *fakeNVD {
	f := &fakeNVD{}
	for i := 1; i <= n; i++ {
		f.records = append(f.records, upstreamRecord{
			ID:           fmt.Sprintf("CVE-2024-%04d", i),
			LastModified: modified,
			Description:  fmt.Sprintf("upstream description %d", i),
		})
	}
	return f
}

func (f *fakeNVD) add(rec upstreamRecord) {
	f.mu.Lock()
	f.records = append(f.records, rec)
	f.mu.Unlock()
}

func (f *fakeNVD) seenQueries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

func (f *fakeNVD) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, _ := strconv.Atoi(q.Get("startIndex"))
	size, _ := strconv.Atoi(q.Get("resultsPerPage"))

	f.mu.Lock()
	f.queries = append(f.queries, r.URL.RawQuery)
	intercept := f.intercept
	matched := f.filter(q.Get("lastModStartDate"), q.Get("lastModEndDate"))
	nullIDs := f.nullIDs
	f.mu.Unlock()

	if intercept != nil && intercept(w, r, start) {
		return
	}

	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	var page []upstreamRecord
	if start < len(matched) {
		page = matched[start:end]
	}

	items := make([]map[string]interface{}, len(page))
	for i, rec := range page {
		if nullIDs[rec.ID] {
			items[i] = map[string]interface{}{"cve": nil}
			continue
		}
		items[i] = map[string]interface{}{"cve": map[string]interface{}{
			"id":           rec.ID,
			"lastModified": rec.LastModified.UTC().Format(nvdLayout),
			"published":    rec.LastModified.UTC().Format(nvdLayout),
			"vulnStatus":   "Analyzed",
			"descriptions": []map[string]string{{"lang": "en", "value": rec.Description}},
		}}
	}
	body, _ := json.Marshal(map[string]interface{}{
		"resultsPerPage":  len(page),
		"startIndex":      start,
		"totalResults":    len(matched),
		"format":          "NVD_CVE",
		"version":         "2.0",
		"vulnerabilities": items,
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// filter must be called with mu held.
func (f *fakeNVD) filter(from, until string) []upstreamRecord {
	if from == "" || until == "" {
		return f.records
	}
	lo, err1 := time.Parse("2006-01-02T15:04:05.000Z07:00", from)
	hi, err2 := time.Parse("2006-01-02T15:04:05.000Z07:00", until)
	if err1 != nil || err2 != nil {
		return nil
	}
	var out []upstreamRecord
	for _, rec := range f.records {
		if !rec.LastModified.Before(lo) && !rec.LastModified.After(hi) {
			out = append(out, rec)
		}
	}
	return out
}

// blockAt makes requests for startIndex wait until their context ends.
// reached is closed on the first such request.
func blockAt(startIndex int, reached chan struct{}) func(http.ResponseWriter, *http.Request, int) bool {
	var once sync.Once
	return func(w http.ResponseWriter, r *http.Request, start int) bool {
		if start != startIndex {
			return false
		}
		once.Do(func() { close(reached) })
		<-r.Context().Done()
		return true
	}
}

// holdAt makes the first request for startIndex wait for release and then
// serves it normally. reached is closed when that request arrives.
func holdAt(startIndex int, reached, release chan struct{}) func(http.ResponseWriter, *http.Request, int) bool {
	var once sync.Once
	return func(w http.ResponseWriter, r *http.Request, start int) bool {
		if start != startIndex {
			return false
		}
		once.Do(func() {
			close(reached)
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		return false
	}
}

// failAt answers requests for startIndex with status.
func failAt(startIndex, status int) func(http.ResponseWriter, *http.Request, int) bool {
	return func(w http.ResponseWriter, r *http.Request, start int) bool {
		if start != startIndex {
			return false
		}
		http.Error(w, strings.ToLower(http.StatusText(status)), status)
		return true
	}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestEngine() *retry.Engine {
	return retry.New(retry.DefaultPolicies(), retry.WithSleeper(noSleep), retry.WithRand(func() float64 { return 0.5 }))
}

// harness wires an orchestrator to a temp SQLite store and a fake upstream.
type harness struct {
	db       *database.DB
	upstream *fakeNVD
	client   *fetcher.Client
	orch     *Orchestrator
	clock    *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newHarness(t *testing.T, upstream *fakeNVD, cfg config.SyncConfig, opts ...Option) *harness {
	t.Helper()

	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)

	db, err := database.New(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          "file:" + filepath.Join(t.TempDir(), "vulnsync.db"),
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	client, err := fetcher.New(&config.UpstreamConfig{BaseURL: srv.URL, PageSize: 2}, ratelimit.New(0, 0), newTestEngine())
	require.NoError(t, err)

	if cfg.Namespace == "" {
		cfg.Namespace = "cve"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 3
	}

	clock := &testClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	base := []Option{WithPageSize(2), WithRetryEngine(newTestEngine()), WithClock(clock.Now)}
	orch := New(cfg, db, client, append(base, opts...)...)

	return &harness{db: db, upstream: upstream, client: client, orch: orch, clock: clock}
}
