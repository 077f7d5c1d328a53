// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/vulnsync/internal/events"
	"github.com/tomtom215/vulnsync/internal/fetcher"
	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/models"
	"github.com/tomtom215/vulnsync/internal/retry"
)

// Writes that follow a committed batch, and the final status write, run on a
// context detached from cancellation and bounded by these timeouts.
const (
	progressTimeout = 30 * time.Second
	finalizeTimeout = 30 * time.Second
)

// statusCancelled is reported in Result.Status; the persisted status goes back to idle.
const statusCancelled = "cancelled"

// pageResult is what a fetch worker hands to the writer.
type pageResult struct {
	cursor fetcher.Cursor
	page   *fetcher.Page
	err    error
}

// pageBudget counts pages left under Options.MaxPages. A negative value
// means unbounded.
type pageBudget int

func newPageBudget(limit *int) pageBudget {
	if limit == nil {
		return -1
	}
	return pageBudget(*limit)
}

func (b pageBudget) exhausted() bool { return b == 0 }

// take reserves up to n pages and returns how many were granted.
func (b *pageBudget) take(n int) int {
	if *b < 0 {
		return n
	}
	if n > int(*b) {
		n = int(*b)
	}
	*b -= pageBudget(n)
	return n
}

// execute runs a sync whose claim runID already holds. It always leaves the
// status row in a terminal or idle state unless the claim was taken over.
func (o *Orchestrator) execute(ctx context.Context, runID string, opts Options, syncType string, since *time.Time) *Result {
	defer o.disarm()

	ctx = logging.ContextWithRunID(ctx, runID)
	if o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.cfg.JobTimeout, ErrJobTimeout)
		defer cancel()
	}

	res := &Result{RunID: runID, SyncType: syncType, Status: models.SyncStatusProcessing, StartedAt: o.now().UTC()}
	res.Batch.StartedAt = res.StartedAt

	metrics.SyncInProgress.Set(1)
	defer metrics.SyncInProgress.Set(0)

	logging.Ctx(ctx).Info().
		Str("sync_type", syncType).
		Str("trigger", opts.Trigger).
		Int("workers", o.cfg.Workers).
		Msg("Sync started")
	o.publish(ctx, events.SyncStarted, res)

	stopHeartbeat := o.startHeartbeat(ctx, runID)
	err := o.runWindows(ctx, opts, since, res)
	stopHeartbeat()

	res.EndedAt = o.now().UTC()
	res.Batch.EndedAt = res.EndedAt
	o.finish(ctx, res, err)
	return res
}

// runWindows walks every modified-since window in order. A full sync has a
// single unbounded window.
func (o *Orchestrator) runWindows(ctx context.Context, opts Options, since *time.Time, res *Result) error {
	base := fetcher.Cursor{PageSize: o.pageSize}
	var cursors []fetcher.Cursor
	if since == nil {
		cursors = append(cursors, base)
	} else {
		for _, w := range fetcher.SplitWindow(since.UTC(), res.StartedAt) {
			from, until := w[0], w[1]
			c := base
			c.ModifiedSince, c.ModifiedUntil = &from, &until
			cursors = append(cursors, c)
		}
	}

	budget := newPageBudget(opts.MaxPages)
	var total int64
	for _, cur := range cursors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if budget.exhausted() {
			logging.Ctx(ctx).Info().Msg("Page budget exhausted, stopping early")
			return nil
		}
		if err := o.runWindow(ctx, cur, &budget, &total, res); err != nil {
			return err
		}
	}
	return nil
}

// runWindow fetches the first page of a window to learn its size, writes it,
// then fans the remaining pages out to the worker pool.
func (o *Orchestrator) runWindow(ctx context.Context, cur fetcher.Cursor, budget *pageBudget, total *int64, res *Result) error {
	budget.take(1)
	first, err := o.fetcher.FetchPage(ctx, cur)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if skippable(err) {
			o.skipPage(ctx, cur, err, res)
			return nil
		}
		return err
	}

	*total += int64(first.TotalResults)
	if err := o.retryWrite(ctx, "set_progress_total", func(ctx context.Context) error {
		return o.store.SetProgressTotal(ctx, o.cfg.Namespace, res.RunID, *total)
	}); err != nil {
		return fmt.Errorf("record total: %w", err)
	}
	if err := o.writePage(ctx, first, res); err != nil {
		return err
	}

	rest := remainingCursors(first, budget)
	if len(rest) == 0 {
		return nil
	}
	return o.fanOut(ctx, rest, res)
}

// remainingCursors enumerates the offsets after the first page. The step is
// the number of upstream entries the first page consumed, which the upstream
// may have capped below the requested page size. Entries dropped while
// decoding still count toward the step.
func remainingCursors(first *fetcher.Page, budget *pageBudget) []fetcher.Cursor {
	if first.Next == nil {
		return nil
	}
	step := first.Next.StartIndex - first.StartIndex
	if step <= 0 {
		return nil
	}
	var out []fetcher.Cursor
	for start := first.Next.StartIndex; start < first.TotalResults; start += step {
		out = append(out, first.Next.At(start))
	}
	return out[:budget.take(len(out))]
}

// fanOut fetches cursors on W workers and writes each page as it arrives.
// The caller's goroutine is the only writer.
func (o *Orchestrator) fanOut(ctx context.Context, cursors []fetcher.Cursor, res *Result) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan fetcher.Cursor)
	results := make(chan pageResult, o.cfg.Workers)

	go func() {
		defer close(queue)
		for _, c := range cursors {
			select {
			case queue <- c:
			case <-pctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go o.fetchWorker(pctx, &wg, queue, results)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var runErr error
	for r := range results {
		if runErr != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			cancel()
			continue
		}
		if err := o.handlePage(ctx, r, res); err != nil {
			runErr = err
			cancel()
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}
	return runErr
}

func (o *Orchestrator) fetchWorker(ctx context.Context, wg *sync.WaitGroup, queue <-chan fetcher.Cursor, results chan<- pageResult) {
	defer wg.Done()
	for cur := range queue {
		if ctx.Err() != nil {
			return
		}
		page, err := o.fetcher.FetchPage(ctx, cur)
		select {
		case results <- pageResult{cursor: cur, page: page, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) handlePage(ctx context.Context, r pageResult, res *Result) error {
	if r.err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if skippable(r.err) {
			o.skipPage(ctx, r.cursor, r.err, res)
			return nil
		}
		return r.err
	}
	return o.writePage(ctx, r.page, res)
}

// writePage persists one page as one batch, then advances progress by the
// number of records on the page. Records that fail normalization count as
// processed and failed.
func (o *Orchestrator) writePage(ctx context.Context, page *fetcher.Page, res *Result) error {
	vulns := make([]models.Vulnerability, 0, len(page.Records))
	var invalid []string
	for _, rec := range page.Records {
		v, err := fetcher.Normalize(rec)
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("cve_id", rec.ID).Msg("Skipping unparseable record")
			invalid = append(invalid, rec.ID)
			continue
		}
		vulns = append(vulns, v)
	}

	var batch *models.BatchOperationResult
	if len(vulns) > 0 {
		err := o.retryWrite(ctx, "upsert_batch", func(ctx context.Context) error {
			var err error
			batch, err = o.store.UpsertBatch(ctx, vulns)
			return err
		})
		if err != nil {
			return fmt.Errorf("write page at %d: %w", page.StartIndex, err)
		}
	}

	// The batch is committed; its progress must follow even if the run is
	// cancelled in between.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), progressTimeout)
	defer cancel()
	if err := o.retryWrite(pctx, "advance_progress", func(ctx context.Context) error {
		return o.store.AdvanceProgress(ctx, o.cfg.Namespace, res.RunID, int64(len(page.Records)), page.LastID())
	}); err != nil {
		return fmt.Errorf("advance progress: %w", err)
	}

	res.Pages++
	res.Processed += len(page.Records)
	res.Batch.Merge(batch)
	res.Batch.Total += len(invalid)
	res.Batch.Failed += len(invalid)
	res.Batch.FailedIDs = append(res.Batch.FailedIDs, invalid...)

	evt := logging.Ctx(ctx).Debug().
		Int("start_index", page.StartIndex).
		Int("records", len(page.Records)).
		Str("last_id", page.LastID())
	if batch != nil {
		evt = evt.Int("inserted", batch.Inserted).Int("updated", batch.Updated).Int("skipped", batch.Skipped).Int("failed", batch.Failed)
	}
	evt.Msg("Page committed")
	return nil
}

// skipPage records a page the upstream refused with a client error.
func (o *Orchestrator) skipPage(ctx context.Context, cur fetcher.Cursor, err error, res *Result) {
	res.SkippedPages++
	metrics.FetchPages.WithLabelValues("skipped").Inc()
	logging.Ctx(ctx).Warn().Err(err).Int("start_index", cur.StartIndex).Msg("Page rejected by upstream, skipping")
}

// skippable reports whether a fetch failure only affects its own page.
func skippable(err error) bool {
	return retry.Classify(err).Category == retry.ClientError
}

func (o *Orchestrator) retryWrite(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := o.retry.Do(ctx, op, fn)
	return err
}

// startHeartbeat keeps the claim fresh while the run waits on the upstream.
func (o *Orchestrator) startHeartbeat(ctx context.Context, runID string) func() {
	interval := o.cfg.StaleAfter / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := o.store.Heartbeat(ctx, o.cfg.Namespace, runID)
				if errors.Is(err, models.ErrClaimLost) {
					logging.Ctx(ctx).Warn().Msg("Sync claim taken over by another run, stopping heartbeat")
					return
				}
				if err != nil && ctx.Err() == nil {
					logging.Ctx(ctx).Warn().Err(err).Msg("Sync heartbeat failed")
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// finish moves the status row out of processing and reports the run.
func (o *Orchestrator) finish(ctx context.Context, res *Result, err error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	log := logging.Ctx(ctx)
	ns := o.cfg.Namespace

	if err != nil && ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), ErrJobTimeout) {
			err = fmt.Errorf("%w after %s", ErrJobTimeout, o.cfg.JobTimeout)
		} else {
			err = nil
			res.Status = statusCancelled
		}
	}

	var evType events.Type
	switch {
	case res.Status == statusCancelled:
		evType = events.SyncCancelled
		if ferr := o.store.FinishSync(fctx, ns, res.RunID, models.SyncStatusIdle, map[string]string{
			models.MetaLastSyncResult: statusCancelled,
		}); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to release cancelled sync")
		}
		log.Info().Int("processed", res.Processed).Msg("Sync cancelled")

	case errors.Is(err, models.ErrClaimLost):
		// the status row belongs to the run that took over
		evType = events.SyncFailed
		res.Status = models.SyncStatusFailed
		res.Err = err
		log.Warn().Int("processed", res.Processed).Msg("Sync claim taken over by another run, stopping")

	case err != nil:
		evType = events.SyncFailed
		res.Status = models.SyncStatusFailed
		res.Err = err
		if ferr := o.store.FinishSync(fctx, ns, res.RunID, models.SyncStatusFailed, map[string]string{
			models.MetaLastSyncError:  err.Error(),
			models.MetaLastSyncResult: models.SyncStatusFailed,
		}); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record sync failure")
		}
		// failed is terminal for the run but must not block the next trigger
		if ferr := o.store.FinishSync(fctx, ns, res.RunID, models.SyncStatusIdle, nil); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to reset sync status")
		}

	case res.Written() > 0:
		evType = events.SyncCompleted
		res.Status = models.SyncStatusCompleted
		if ferr := o.store.FinishSync(fctx, ns, res.RunID, models.SyncStatusCompleted, map[string]string{
			models.MetaLastSyncTime:   res.StartedAt.Format(time.RFC3339Nano),
			models.MetaLastSyncError:  "",
			models.MetaLastSyncResult: models.SyncStatusCompleted,
		}); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record sync completion")
			res.Err = ferr
		}

	default:
		evType = events.SyncCompleted
		res.Status = models.SyncStatusNoData
		if ferr := o.store.FinishSync(fctx, ns, res.RunID, models.SyncStatusNoData, map[string]string{
			models.MetaLastSyncError:  "",
			models.MetaLastSyncResult: models.SyncStatusNoData,
		}); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record sync result")
			res.Err = ferr
		}
	}

	duration := res.EndedAt.Sub(res.StartedAt)
	metrics.RecordSyncOperation(res.SyncType, res.Status, duration, res.Processed, res.Written(), res.Err, classifyRunError)
	o.publish(fctx, evType, res)

	evt := log.Info()
	if res.Err != nil {
		evt = log.Error().Err(res.Err)
	}
	evt.Str("status", res.Status).
		Int("pages", res.Pages).
		Int("skipped_pages", res.SkippedPages).
		Int("processed", res.Processed).
		Int("inserted", res.Batch.Inserted).
		Int("updated", res.Batch.Updated).
		Int("unchanged", res.Batch.Skipped).
		Int("failed", res.Batch.Failed).
		Dur("duration", duration).
		Msg("Sync finished")
}

func (o *Orchestrator) publish(ctx context.Context, typ events.Type, res *Result) {
	ev := events.SyncEvent{
		Type:       typ,
		Namespace:  o.cfg.Namespace,
		RunID:      res.RunID,
		SyncType:   res.SyncType,
		Status:     res.Status,
		Processed:  res.Processed,
		Written:    res.Written(),
		Skipped:    res.Batch.Skipped,
		Failed:     res.Batch.Failed,
		OccurredAt: o.now().UTC(),
	}
	if !res.EndedAt.IsZero() {
		ev.DurationMS = res.EndedAt.Sub(res.StartedAt).Milliseconds()
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event", string(typ)).Msg("Failed to publish sync event")
	}
}
