// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomtom215/vulnsync/internal/models"
)

const testNamespace = "cve"

// Run IDs for tests that claim the namespace more than once.
const (
	runA = "run-a"
	runB = "run-b"
)

func TestMetadata_GetSet(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			db := setupTestDB(t, dc.opts...)
			ctx := context.Background()

			_, ok, err := db.GetMetadata(ctx, "cve:missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, db.SetMetadata(ctx, "cve:feed_etag", "abc"))
			require.NoError(t, db.SetMetadata(ctx, "cve:feed_etag", "def"))

			v, ok, err := db.GetMetadata(ctx, "cve:feed_etag")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "def", v)
		})
	}
}

func TestClaimSync_Lifecycle(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			db := setupTestDB(t, dc.opts...)
			ctx := context.Background()

			ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeIncremental, runB, 30*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second claim must fail while processing")

			p, err := db.ReadProgress(ctx, testNamespace)
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusProcessing, p.Status)
			assert.Equal(t, models.SyncTypeFull, p.SyncType)

			require.NoError(t, db.ReleaseSync(ctx, testNamespace, runA))
			p, err = db.ReadProgress(ctx, testNamespace)
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusIdle, p.Status)

			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeIncremental, runB, 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestClaimSync_EmptyRunID(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.ClaimSync(context.Background(), testNamespace, models.SyncTypeFull, "", 30*time.Second)
	assert.ErrorIs(t, err, ErrEmptyRunID)
}

func TestClaimSync_StaleClaimTakenOver(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			clock := newFakeClock()
			db := setupTestDB(t, append(dc.opts, WithClock(clock.Now))...)
			ctx := context.Background()

			ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(10 * time.Second)
			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runB, 30*time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			clock.Advance(21 * time.Second)
			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runB, 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "claim older than the stale window is reclaimable")
		})
	}
}

func TestClaimSync_TakenOverRunCannotWrite(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			clock := newFakeClock()
			db := setupTestDB(t, append(dc.opts, WithClock(clock.Now))...)
			ctx := context.Background()

			ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, db.AdvanceProgress(ctx, testNamespace, runA, 5, "CVE-2024-0005"))

			// runA stalls past the stale window and runB takes over.
			clock.Advance(31 * time.Second)
			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeIncremental, runB, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, db.AdvanceProgress(ctx, testNamespace, runB, 2, "CVE-2024-0102"))
			require.NoError(t, db.SetProgressTotal(ctx, testNamespace, runB, 10))

			// Every write from the old run is refused and changes nothing.
			clock.Advance(time.Second)
			assert.ErrorIs(t, db.AdvanceProgress(ctx, testNamespace, runA, 7, "CVE-2024-0012"), models.ErrClaimLost)
			assert.ErrorIs(t, db.Heartbeat(ctx, testNamespace, runA), models.ErrClaimLost)
			assert.ErrorIs(t, db.SetProgressTotal(ctx, testNamespace, runA, 99), models.ErrClaimLost)
			assert.ErrorIs(t, db.FinishSync(ctx, testNamespace, runA, models.SyncStatusCompleted, map[string]string{
				models.MetaLastSyncTime: clock.Now().Format(time.RFC3339Nano),
			}), models.ErrClaimLost)
			assert.ErrorIs(t, db.ReleaseSync(ctx, testNamespace, runA), models.ErrClaimLost)

			p, err := db.ReadProgress(ctx, testNamespace)
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusProcessing, p.Status)
			assert.Equal(t, models.SyncTypeIncremental, p.SyncType)
			assert.Equal(t, int64(2), p.Current)
			assert.Equal(t, int64(10), p.Total)
			assert.Equal(t, "CVE-2024-0102", p.LastID)
			assert.Nil(t, p.LastSyncTime)

			// The old heartbeat did not refresh runB's claim.
			clock.Advance(30 * time.Second)
			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, "run-c", 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestClaimSync_HeartbeatKeepsClaim(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			clock := newFakeClock()
			db := setupTestDB(t, append(dc.opts, WithClock(clock.Now))...)
			ctx := context.Background()

			ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			clock.Advance(20 * time.Second)
			require.NoError(t, db.Heartbeat(ctx, testNamespace, runA))
			clock.Advance(20 * time.Second)

			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runB, 30*time.Second)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestAdvanceProgress(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			db := setupTestDB(t, dc.opts...)
			ctx := context.Background()

			ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)
			require.NoError(t, db.SetProgressTotal(ctx, testNamespace, runA, 6))

			require.NoError(t, db.AdvanceProgress(ctx, testNamespace, runA, 2, "CVE-2024-0002"))
			require.NoError(t, db.AdvanceProgress(ctx, testNamespace, runA, 2, "CVE-2024-0004"))
			require.NoError(t, db.AdvanceProgress(ctx, testNamespace, runA, 0, ""))

			p, err := db.ReadProgress(ctx, testNamespace)
			require.NoError(t, err)
			assert.Equal(t, int64(4), p.Current)
			assert.Equal(t, int64(6), p.Total)
			assert.Equal(t, "CVE-2024-0004", p.LastID)
			assert.InDelta(t, 66.67, p.Percentage, 0.01)

			err = db.AdvanceProgress(ctx, testNamespace, runA, -1, "")
			require.ErrorIs(t, err, ErrNegativeProgress)

			// a new claim starts from zero
			require.NoError(t, db.ReleaseSync(ctx, testNamespace, runA))
			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeIncremental, runB, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			p, err = db.ReadProgress(ctx, testNamespace)
			require.NoError(t, err)
			assert.Zero(t, p.Current)
			assert.Zero(t, p.Total)
			assert.Empty(t, p.LastID)
		})
	}
}

func TestAdvanceProgress_RequiresProcessingClaim(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.AdvanceProgress(ctx, testNamespace, runA, 1, "CVE-2024-0001")
	assert.ErrorIs(t, err, models.ErrClaimLost)

	ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, db.ReleaseSync(ctx, testNamespace, runA))

	// released claims no longer accept progress
	err = db.AdvanceProgress(ctx, testNamespace, runA, 1, "CVE-2024-0001")
	assert.ErrorIs(t, err, models.ErrClaimLost)

	p, err := db.ReadProgress(ctx, testNamespace)
	require.NoError(t, err)
	assert.Zero(t, p.Current)
}

func TestFinishSync_RecordsLastSyncTime(t *testing.T) {
	for _, dc := range dialectCases {
		t.Run(dc.name, func(t *testing.T) {
			db := setupTestDB(t, dc.opts...)
			ctx := context.Background()

			_, ok, err := db.LastSyncTime(ctx, testNamespace)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			started := time.Date(2025, 2, 1, 10, 0, 0, 250000000, time.UTC)
			require.NoError(t, db.FinishSync(ctx, testNamespace, runA, models.SyncStatusCompleted, map[string]string{
				models.MetaLastSyncTime:  started.Format(time.RFC3339Nano),
				models.MetaLastSyncError: "",
			}))

			got, ok, err := db.LastSyncTime(ctx, testNamespace)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.Equal(started))

			p, err := db.ReadProgress(ctx, testNamespace)
			require.NoError(t, err)
			assert.Equal(t, models.SyncStatusCompleted, p.Status)
			require.NotNil(t, p.LastSyncTime)
			assert.True(t, p.LastSyncTime.Equal(started))

			// completed is claimable without waiting for staleness
			ok, err = db.ClaimSync(ctx, testNamespace, models.SyncTypeIncremental, runB, time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestFinishSync_FailedKeepsError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	ok, err := db.ClaimSync(ctx, testNamespace, models.SyncTypeFull, runA, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, db.FinishSync(ctx, testNamespace, runA, models.SyncStatusFailed, map[string]string{
		models.MetaLastSyncError: "upstream returned 503",
	}))

	p, err := db.ReadProgress(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusFailed, p.Status)
	assert.Equal(t, "upstream returned 503", p.LastError)
	assert.Nil(t, p.LastSyncTime)

	// the same run may still move its failed row back to idle
	require.NoError(t, db.ReleaseSync(ctx, testNamespace, runA))
	p, err = db.ReadProgress(ctx, testNamespace)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, p.Status)
	assert.Equal(t, "upstream returned 503", p.LastError)
}

func TestClaimSync_NamespacesIndependent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	ok, err := db.ClaimSync(ctx, "cve", models.SyncTypeFull, runA, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.ClaimSync(ctx, "cpe", models.SyncTypeFull, runB, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.AdvanceProgress(ctx, "cve", runA, 3, "CVE-1"))
	assert.ErrorIs(t, db.AdvanceProgress(ctx, "cpe", runA, 3, "CVE-1"), models.ErrClaimLost)
	p, err := db.ReadProgress(ctx, "cpe")
	require.NoError(t, err)
	assert.Zero(t, p.Current)
}

func TestReadProgress_Empty(t *testing.T) {
	db := setupTestDB(t)
	p, err := db.ReadProgress(context.Background(), testNamespace)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, p.Status)
	assert.Zero(t, p.Percentage)
	assert.Nil(t, p.UpdatedAt)
}

func TestMetadataKey(t *testing.T) {
	assert.Equal(t, "cve:last_sync_time", MetadataKey("cve", models.MetaLastSyncTime))
}
