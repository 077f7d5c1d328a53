// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package models

import (
	"errors"
	"time"
)

// Sync status values stored under the sync_progress_status key.
const (
	SyncStatusIdle       = "idle"
	SyncStatusProcessing = "processing"
	SyncStatusCompleted  = "completed"
	SyncStatusFailed     = "failed"
	SyncStatusNoData     = "no_data"
)

// ErrClaimLost is returned by progress and status writes from a run whose
// claim has since been taken over by another run.
var ErrClaimLost = errors.New("sync claim held by another run")

// Sync types recorded in the sync_type column.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

// Metadata key suffixes. The store prefixes them with the sync namespace
// ("cve:last_sync_time" and so on).
const (
	MetaLastSyncTime   = "last_sync_time"
	MetaStatus         = "sync_progress_status"
	MetaTotal          = "sync_progress_total"
	MetaCurrent        = "sync_progress_current"
	MetaLastID         = "sync_progress_last_id"
	MetaLastSyncError  = "last_sync_error"
	MetaLastSyncResult = "last_sync_result"
)

// SyncMetadataEntry is one row of the sync_metadata table.
type SyncMetadataEntry struct {
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Status       string    `json:"status,omitempty"`
	LastModified time.Time `json:"last_modified"`
	SyncType     string    `json:"sync_type,omitempty"`
}

// Progress is the externally visible view of the current or last sync.
type Progress struct {
	Status       string     `json:"status"`
	Current      int64      `json:"current"`
	Total        int64      `json:"total"`
	Percentage   float64    `json:"percentage"`
	LastID       string     `json:"last_id"`
	SyncType     string     `json:"sync_type,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// ComputePercentage fills Percentage from Current and Total, clamped to [0, 100].
func (p *Progress) ComputePercentage() {
	if p.Total <= 0 {
		p.Percentage = 0
		return
	}
	pct := float64(p.Current) / float64(p.Total) * 100
	switch {
	case pct < 0:
		pct = 0
	case pct > 100:
		pct = 100
	}
	p.Percentage = pct
}
