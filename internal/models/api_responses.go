// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package models

import (
	"time"
)

// APIResponse is the envelope returned by every HTTP endpoint.
//
//	{"status":"success","data":{...},"metadata":{"timestamp":"..."}}
//	{"status":"error","error":{"code":"SYNC_IN_PROGRESS","message":"..."},"metadata":{...}}
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data"`
	Metadata Metadata    `json:"metadata"`
	Error    *APIError   `json:"error,omitempty"`
}

// Metadata carries response timing.
type Metadata struct {
	Timestamp   time.Time `json:"timestamp"`
	QueryTimeMS int64     `json:"query_time_ms,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SyncTriggerResponse is returned by POST /api/v1/sync.
type SyncTriggerResponse struct {
	Outcome  string `json:"outcome"`
	SyncType string `json:"sync_type"`
	MaxPages *int   `json:"max_pages,omitempty"`
}

// HealthStatus is returned by GET /health.
type HealthStatus struct {
	Status       string     `json:"status"`
	Version      string     `json:"version"`
	Database     string     `json:"database"`
	Dialect      string     `json:"dialect"`
	SyncStatus   string     `json:"sync_status"`
	Records      int64      `json:"records"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Uptime       float64    `json:"uptime_seconds"`
}
