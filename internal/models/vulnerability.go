// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package models

import (
	"time"
)

// SourceRecord is one raw record as returned by the upstream CVE feed.
// Identity is ID; LastModified drives change detection. Payload holds the
// decoded upstream object and is only interpreted by the normalizer.
type SourceRecord struct {
	ID           string                 `json:"id"`
	LastModified time.Time              `json:"last_modified"`
	Payload      map[string]interface{} `json:"payload"`
}

// Severity levels as reported by CVSS base metrics.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityNone     = "NONE"
)

// Vulnerability is the persisted projection of a SourceRecord.
//
// Description, Severity, CVSSScore, VulnStatus and LastModified are the
// mutable fields: an upsert only rewrites them when the incoming
// LastModified is strictly newer than the stored one.
type Vulnerability struct {
	CVEID            string    `json:"cve_id" validate:"required"`
	Description      string    `json:"description"`
	Severity         string    `json:"severity,omitempty" validate:"omitempty,oneof=CRITICAL HIGH MEDIUM LOW NONE"`
	CVSSScore        *float64  `json:"cvss_score,omitempty" validate:"omitempty,gte=0,lte=10"`
	PublishedAt      time.Time `json:"published_at"`
	LastModified     time.Time `json:"last_modified" validate:"required"`
	SourceIdentifier string    `json:"source_identifier,omitempty"`
	VulnStatus       string    `json:"vuln_status,omitempty"`
}

// BatchOperationResult summarizes one bulk write call. It is logged and fed
// into metrics, never persisted.
type BatchOperationResult struct {
	Total     int       `json:"total"`
	Inserted  int       `json:"inserted"`
	Updated   int       `json:"updated"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	FailedIDs []string  `json:"failed_ids,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Duration returns the wall time spent in the batch.
func (r *BatchOperationResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Written is the number of rows that actually changed.
func (r *BatchOperationResult) Written() int {
	return r.Inserted + r.Updated
}

// Merge folds another result into r. Timing keeps the earliest start and latest end.
func (r *BatchOperationResult) Merge(o *BatchOperationResult) {
	if o == nil {
		return
	}
	r.Total += o.Total
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.FailedIDs = append(r.FailedIDs, o.FailedIDs...)
	if r.StartedAt.IsZero() || (!o.StartedAt.IsZero() && o.StartedAt.Before(r.StartedAt)) {
		r.StartedAt = o.StartedAt
	}
	if o.EndedAt.After(r.EndedAt) {
		r.EndedAt = o.EndedAt
	}
}
