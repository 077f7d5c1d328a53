// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
Package sync orchestrates CVE synchronization from the upstream API into the
local store.

A run is either full (the whole dataset) or incremental (records modified
since last_sync_time, split into windows the upstream accepts). Both share
the same machinery:

 1. Claim: the store's conditional update moves the namespace's status row
    to processing. A second trigger while the claim is fresh gets
    "already_running"; a stale claim is taken over.
 2. First page: fetched on the calling goroutine to learn totalResults,
    which is recorded as the progress total.
 3. Fan-out: the remaining offsets feed a queue drained by W fetch workers.
    Pages arrive on a results channel in any order.
 4. Write: a single writer persists each page as one batch and then
    advances sync_progress_current by the page's record count.
 5. Finish: completed (and last_sync_time) when rows were written, no_data
    otherwise. Failures record last_sync_error and reset the status to idle;
    cancellation resets it to idle without an error.

Error Handling:

  - A page refused with a non-retryable client error is skipped and counted
  - A fetch or write that exhausts its retry budget fails the run
  - Exceeding sync.job_timeout fails the run with ErrJobTimeout
  - Cancel() (or service shutdown) stops the run between pages and batches

Scheduling:

Start runs a robfig/cron schedule for full syncs and a ticker for
incremental syncs; Stop halts both and cancels any in-flight run. Scheduled
runs go through the same claim as API triggers.

Usage Example:

	orch := sync.New(cfg.Sync, db, client,
	    sync.WithPageSize(cfg.Upstream.PageSize),
	    sync.WithPublisher(bus),
	)
	outcome, err := orch.StartSync(ctx, sync.Options{Full: true})
*/
package sync
