// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package database is the bulk upsert store and the sync progress/metadata
// store.
//
// # Dialects
//
// The driver name selects one of a closed set of dialects:
//   - postgres (lib/pq): INSERT ... ON CONFLICT DO UPDATE ... WHERE, 1000 rows per statement
//   - mysql (go-sql-driver/mysql): INSERT ... ON DUPLICATE KEY UPDATE with IF guards, 500 rows
//   - sqlite (modernc.org/sqlite): ON CONFLICT upsert, 100 rows
//   - generic (duckdb and anything else): pre-read, multi-row INSERT, guarded UPDATE, 200 rows
//
// # Write Semantics
//
// A vulnerability row changes only when the incoming last_modified is
// strictly newer than the stored one, so replaying a page is a no-op.
// When a chunk fails permanently it is replayed row by row under SAVEPOINTs
// and only the rejected rows are reported in BatchOperationResult.FailedIDs.
//
// Errors are wrapped for the retry engine: transient driver failures are
// retryable Database errors, constraint violations additionally match
// ErrConstraint.
//
// # Metadata
//
// sync_metadata holds namespaced keys ("cve:sync_progress_status"). ClaimSync
// is a conditional UPDATE, so at most one process holds a namespace at a time;
// a claim whose heartbeat is older than the stale window can be taken over.
// The status row's claim column records the run ID that holds it.
// AdvanceProgress, Heartbeat, SetProgressTotal and FinishSync only write
// while that run still holds the claim and return models.ErrClaimLost once
// another run has taken it over. AdvanceProgress increments the counter in
// SQL and refreshes the heartbeat.
//
// # Files
//
//   - database.go: connection lifecycle and DSN defaults
//   - dialect.go: dialect detection and SQL rendering
//   - migrations.go: versioned, dialect-aware schema migrations
//   - upsert.go: UpsertBatch and per-row isolation
//   - crud_sync_metadata.go: claim, progress and key/value operations
//   - crud_vulnerabilities.go: row lookups
//   - errors.go: error classification and close helpers
package database
