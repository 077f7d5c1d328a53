// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/database"
	"github.com/tomtom215/vulnsync/internal/events"
	"github.com/tomtom215/vulnsync/internal/fetcher"
	"github.com/tomtom215/vulnsync/internal/models"
	"github.com/tomtom215/vulnsync/internal/retry"
)

var upstreamModified = time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)

func intPtr(n int) *int { return &n }

func TestRun_FullSyncEndToEnd(t *testing.T) {
	h := newHarness(t, newFakeNVD(6, upstreamModified), config.SyncConfig{})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)

	assert.Equal(t, models.SyncStatusCompleted, res.Status)
	assert.Equal(t, models.SyncTypeFull, res.SyncType)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, 6, res.Batch.Inserted)
	assert.Equal(t, 6, res.Written())

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, p.Status)
	assert.Equal(t, int64(6), p.Current)
	assert.Equal(t, int64(6), p.Total)
	assert.InDelta(t, 100.0, p.Percentage, 0.001)
	assert.NotEmpty(t, p.LastID)
	require.NotNil(t, p.LastSyncTime)
	assert.True(t, p.LastSyncTime.Equal(h.clock.Now()))

	n, err := h.db.CountVulnerabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
	for i := 1; i <= 6; i++ {
		id := fmt.Sprintf("CVE-2024-%04d", i)
		v, ok, err := h.db.GetVulnerability(ctx, id)
		require.NoError(t, err)
		require.True(t, ok, id)
		assert.Equal(t, fmt.Sprintf("upstream description %d", i), v.Description)
	}
}

func TestRun_EqualTimestampIsProcessedButNotRewritten(t *testing.T) {
	h := newHarness(t, newFakeNVD(6, upstreamModified), config.SyncConfig{})
	ctx := context.Background()

	// CVE-2024-0003 is the first record of page 2.
	_, err := h.db.UpsertBatch(ctx, []models.Vulnerability{{
		CVEID:        "CVE-2024-0003",
		Description:  "stored description",
		LastModified: upstreamModified,
	}})
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Batch.Inserted)
	assert.Equal(t, 1, res.Batch.Skipped)
	assert.Equal(t, 0, res.Batch.Updated)

	v, ok, err := h.db.GetVulnerability(ctx, "CVE-2024-0003")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "stored description", v.Description)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), p.Current)
	assert.Equal(t, models.SyncStatusCompleted, p.Status)
}

func TestRun_ReplayIsNoData(t *testing.T) {
	h := newHarness(t, newFakeNVD(4, upstreamModified), config.SyncConfig{})
	ctx := context.Background()

	_, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	first, ok, err := h.orch.LastSyncTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Set(h.clock.Now().Add(time.Hour))
	res, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusNoData, res.Status)
	assert.Equal(t, 4, res.Batch.Skipped)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusNoData, p.Status)
	assert.Equal(t, int64(4), p.Current)

	last, _, err := h.orch.LastSyncTime(ctx)
	require.NoError(t, err)
	assert.True(t, first.Equal(last), "last_sync_time must only move when records are written")
}

func TestRun_CancelAfterFirstPage(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	reached := make(chan struct{})
	upstream.intercept = blockAt(2, reached)
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1})
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Run(ctx, Options{Full: true})
		done <- outcome{res, err}
	}()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("page 2 was never requested")
	}
	require.Eventually(t, func() bool {
		p, err := h.orch.GetProgress(ctx)
		return err == nil && p.Current == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, h.orch.Cancel())

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	require.NoError(t, out.err)
	assert.Equal(t, statusCancelled, out.res.Status)
	assert.False(t, h.orch.Running())
	assert.False(t, h.orch.Cancel())

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, p.Status)
	assert.Equal(t, int64(2), p.Current)
	assert.Nil(t, p.LastSyncTime)

	n, err := h.db.CountVulnerabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(t, newFakeNVD(2, upstreamModified), config.SyncConfig{})
	ctx := context.Background()

	claimed, err := h.db.ClaimSync(ctx, "cve", models.SyncTypeFull, "other-process", 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = h.orch.Run(ctx, Options{Full: true})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	outcome, err := h.orch.StartSync(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, outcome)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusProcessing, p.Status)
}

func TestRun_StaleClaimIsReclaimed(t *testing.T) {
	upstream := newFakeNVD(4, upstreamModified)
	h := newHarness(t, upstream, config.SyncConfig{StaleAfter: 30 * time.Second})
	ctx := context.Background()

	// A crashed run left the status processing with progress recorded.
	// The row's heartbeat is backdated past the staleness window.
	claimed, err := h.db.ClaimSync(ctx, "cve", models.SyncTypeFull, "crashed-run", 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, h.db.AdvanceProgress(ctx, "cve", "crashed-run", 99, "CVE-1999-0001"))
	backdate := time.Now().UTC().Add(-time.Minute)
	_, err = h.db.Conn().ExecContext(ctx, `UPDATE sync_metadata SET last_modified = ? WHERE "key" = ?`,
		backdate, database.MetadataKey("cve", models.MetaStatus))
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, res.Status)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Current)
}

func TestRun_TakenOverRunStopsWriting(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	reached, release := make(chan struct{}), make(chan struct{})
	upstream.intercept = holdAt(2, reached, release)
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1})
	ctx := context.Background()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Run(ctx, Options{Full: true})
		done <- outcome{res, err}
	}()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("page 2 was never requested")
	}
	require.Eventually(t, func() bool {
		p, err := h.orch.GetProgress(ctx)
		return err == nil && p.Current == 2
	}, 5*time.Second, 10*time.Millisecond)

	// The run looks stalled and another process takes the namespace over.
	backdate := time.Now().UTC().Add(-time.Minute)
	_, err := h.db.Conn().ExecContext(ctx, `UPDATE sync_metadata SET last_modified = ? WHERE "key" = ?`,
		backdate, database.MetadataKey("cve", models.MetaStatus))
	require.NoError(t, err)
	claimed, err := h.db.ClaimSync(ctx, "cve", models.SyncTypeIncremental, "other-process", 30*time.Second)
	require.NoError(t, err)
	require.True(t, claimed)
	close(release)

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after losing its claim")
	}
	require.ErrorIs(t, out.err, models.ErrClaimLost)
	assert.Equal(t, models.SyncStatusFailed, out.res.Status)

	// The new holder's row is untouched by the old run.
	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusProcessing, p.Status)
	assert.Equal(t, models.SyncTypeIncremental, p.SyncType)
	assert.Zero(t, p.Current)
	assert.Empty(t, p.LastError)
}

func TestRun_IncrementalUsesLastSyncTime(t *testing.T) {
	upstream := newFakeNVD(2, upstreamModified)
	h := newHarness(t, upstream, config.SyncConfig{})
	ctx := context.Background()

	// No last_sync_time yet: incremental falls back to full.
	res, err := h.orch.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.SyncTypeFull, res.SyncType)
	for _, q := range upstream.seenQueries() {
		assert.NotContains(t, q, "lastModStartDate")
	}

	// 200 days later: two windows, and only the second holds a change.
	firstRun := h.clock.Now()
	h.clock.Set(firstRun.Add(200 * 24 * time.Hour))
	upstream.add(upstreamRecord{ID: "CVE-2025-0001", LastModified: firstRun.Add(150 * 24 * time.Hour), Description: "new"})

	res, err = h.orch.Run(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, models.SyncTypeIncremental, res.SyncType)
	assert.Equal(t, models.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Batch.Inserted)

	var windows []string
	for _, q := range upstream.seenQueries() {
		if strings.Contains(q, "lastModStartDate") {
			windows = append(windows, q)
		}
	}
	require.Len(t, windows, 2)
	assert.Contains(t, windows[0], "lastModStartDate=2025-01-01T00%3A00%3A00.000Z")
	assert.Contains(t, windows[1], "lastModEndDate=2025-07-20T00%3A00%3A00.000Z")

	last, ok, err := h.orch.LastSyncTime(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, last.Equal(h.clock.Now()))
}

func TestRun_ClientErrorPageIsSkipped(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	upstream.intercept = failAt(2, http.StatusNotFound)
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, res.Status)
	assert.Equal(t, 1, res.SkippedPages)
	assert.Equal(t, 4, res.Processed)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Current)
	assert.Equal(t, int64(6), p.Total)
}

func TestRun_ExhaustedRetriesFailTheRun(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	upstream.intercept = failAt(4, http.StatusServiceUnavailable)
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.Error(t, err)
	assert.Equal(t, models.SyncStatusFailed, res.Status)

	var fe *fetcher.FetchError
	require.ErrorAs(t, err, &fe)
	var exhausted *retry.ExhaustedError
	assert.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "fetch", classifyRunError(err))

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, p.Status, "a failed run must not block the next trigger")
	assert.Equal(t, int64(4), p.Current)
	assert.Contains(t, p.LastError, "503")
	assert.Nil(t, p.LastSyncTime)

	// the next trigger is accepted
	upstream.mu.Lock()
	upstream.intercept = nil
	upstream.mu.Unlock()
	res, err = h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, res.Status)
}

func TestRun_ForbiddenIsFatalWithoutRetry(t *testing.T) {
	upstream := newFakeNVD(2, upstreamModified)
	var calls atomic.Int32
	upstream.intercept = func(w http.ResponseWriter, r *http.Request, _ int) bool {
		calls.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
		return true
	}
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1})

	res, err := h.orch.Run(context.Background(), Options{Full: true})
	require.Error(t, err)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRun_MaxPages(t *testing.T) {
	h := newHarness(t, newFakeNVD(10, upstreamModified), config.SyncConfig{})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Options{Full: true, MaxPages: intPtr(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 4, res.Processed)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.Current)
	assert.Equal(t, int64(10), p.Total)
	assert.InDelta(t, 40.0, p.Percentage, 0.001)
}

func TestRun_JobTimeout(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	upstream.intercept = blockAt(2, make(chan struct{}))
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1, JobTimeout: 200 * time.Millisecond})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.ErrorIs(t, err, ErrJobTimeout)
	assert.Equal(t, models.SyncStatusFailed, res.Status)
	assert.Equal(t, "timeout", classifyRunError(err))

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, p.Status)
	assert.Contains(t, p.LastError, "timeout")
}

func TestRun_EmptyUpstreamIsNoData(t *testing.T) {
	h := newHarness(t, newFakeNVD(0, upstreamModified), config.SyncConfig{})

	res, err := h.orch.Run(context.Background(), Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusNoData, res.Status)
	assert.Equal(t, 1, res.Pages)
}

func TestStartSync_AsyncWithEvents(t *testing.T) {
	bus := events.NewGoChannel("vulnsync.sync")
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	h := newHarness(t, newFakeNVD(4, upstreamModified), config.SyncConfig{}, WithPublisher(bus))

	outcome, err := h.orch.StartSync(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	// gochannel delivers each message on its own goroutine, so order is not asserted
	got := map[events.Type]events.SyncEvent{}
	for len(got) < 2 {
		select {
		case msg := <-msgs:
			msg.Ack()
			ev, err := events.Decode(msg)
			require.NoError(t, err)
			got[ev.Type] = ev
		case <-ctx.Done():
			t.Fatalf("received %d events before timeout", len(got))
		}
	}
	h.orch.Wait()

	require.Contains(t, got, events.SyncStarted)
	require.Contains(t, got, events.SyncCompleted)
	assert.Equal(t, 4, got[events.SyncCompleted].Written)
	assert.Equal(t, models.SyncStatusCompleted, got[events.SyncCompleted].Status)
	assert.Equal(t, got[events.SyncStarted].RunID, got[events.SyncCompleted].RunID)

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, p.Status)
}

func TestStartSync_CancelWhileRunning(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	reached := make(chan struct{})
	upstream.intercept = blockAt(2, reached)
	h := newHarness(t, upstream, config.SyncConfig{Workers: 1})
	ctx := context.Background()

	outcome, err := h.orch.StartSync(ctx, Options{Full: true})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	second, err := h.orch.StartSync(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, second)

	<-reached
	assert.True(t, h.orch.Cancel())
	h.orch.Wait()

	p, err := h.orch.GetProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, p.Status)
}

func TestClassifyRunError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", fmt.Errorf("%w after 2h", ErrJobTimeout), "timeout"},
		{"fetch", &fetcher.FetchError{Err: errors.New("boom")}, "fetch"},
		{"status", &retry.StatusError{Code: 500}, "fetch"},
		{"database", retry.Transient(errors.New("database is locked")), "database"},
		{"other", errors.New("mystery"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRunError(tt.err))
		})
	}
}

func TestRemainingCursors(t *testing.T) {
	next := fetcher.Cursor{StartIndex: 2, PageSize: 5}
	first := &fetcher.Page{Records: make([]models.SourceRecord, 2), TotalResults: 7, Next: &next}

	unbounded := newPageBudget(nil)
	got := remainingCursors(first, &unbounded)
	require.Len(t, got, 3)
	assert.Equal(t, []int{2, 4, 6}, []int{got[0].StartIndex, got[1].StartIndex, got[2].StartIndex})

	limited := newPageBudget(intPtr(2))
	limited.take(1)
	assert.Len(t, remainingCursors(first, &limited), 1)
	assert.True(t, limited.exhausted())

	assert.Nil(t, remainingCursors(&fetcher.Page{TotalResults: 0}, &unbounded))
}

func TestRun_NullEntryDoesNotShiftOffsets(t *testing.T) {
	upstream := newFakeNVD(6, upstreamModified)
	upstream.nullIDs = map[string]bool{"CVE-2024-0001": true}
	h := newHarness(t, upstream, config.SyncConfig{})
	ctx := context.Background()

	res, err := h.orch.Run(ctx, Options{Full: true})
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusCompleted, res.Status)
	assert.Equal(t, 3, res.Pages)
	assert.Len(t, upstream.seenQueries(), 3, "one request per page of two")

	n, err := h.db.CountVulnerabilities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRemainingCursors_StepsByConsumedEntries(t *testing.T) {
	// The upstream returned 3 entries at offset 0 but one had a null cve, so
	// only 2 records survived decoding.
	next := fetcher.Cursor{StartIndex: 3, PageSize: 3}
	first := &fetcher.Page{Records: make([]models.SourceRecord, 2), TotalResults: 10, Next: &next}

	unbounded := newPageBudget(nil)
	got := remainingCursors(first, &unbounded)
	starts := make([]int, len(got))
	for i, c := range got {
		starts[i] = c.StartIndex
	}
	assert.Equal(t, []int{3, 6, 9}, starts)

	// A non-advancing cursor yields nothing rather than looping.
	stuck := &fetcher.Page{StartIndex: 4, TotalResults: 10, Next: &fetcher.Cursor{StartIndex: 4}}
	assert.Nil(t, remainingCursors(stuck, &unbounded))
}
