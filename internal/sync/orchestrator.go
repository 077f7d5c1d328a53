// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

/*
orchestrator.go - Sync Orchestrator Lifecycle

This file contains the Orchestrator struct, its dependencies and the
trigger operations exposed to the HTTP adapter and the scheduler.

Lifecycle Methods:
  - New(): Build an orchestrator from config, store and fetcher
  - StartSync(): Claim the namespace and run a sync asynchronously
  - Run(): Claim the namespace and run a sync synchronously
  - Cancel(): Signal the in-flight run to stop
  - GetProgress(): Read the persisted progress view
  - Start()/Stop(): Scheduler lifecycle (see scheduler.go)

Thread Safety:
  - The "one sync at a time" rule is enforced by the store's conditional
    claim, so it holds across processes
  - mu protects the in-process cancel handle and scheduler state
  - runs and wg track asynchronous runs and scheduler goroutines
*/

//nolint:staticcheck // File documentation, not package doc
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/events"
	"github.com/tomtom215/vulnsync/internal/fetcher"
	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/models"
	"github.com/tomtom215/vulnsync/internal/retry"
)

var (
	// ErrAlreadyRunning is returned by Run when another sync holds the claim.
	ErrAlreadyRunning = errors.New("sync already in progress")

	// ErrJobTimeout marks a run that exceeded sync.job_timeout.
	ErrJobTimeout = errors.New("sync job timeout exceeded")
)

// Store is the persistence the orchestrator needs. *database.DB satisfies it.
type Store interface {
	UpsertBatch(ctx context.Context, vulns []models.Vulnerability) (*models.BatchOperationResult, error)
	ClaimSync(ctx context.Context, namespace, syncType, runID string, staleAfter time.Duration) (bool, error)
	AdvanceProgress(ctx context.Context, namespace, runID string, n int64, lastID string) error
	Heartbeat(ctx context.Context, namespace, runID string) error
	SetProgressTotal(ctx context.Context, namespace, runID string, total int64) error
	FinishSync(ctx context.Context, namespace, runID, status string, values map[string]string) error
	ReadProgress(ctx context.Context, namespace string) (models.Progress, error)
	LastSyncTime(ctx context.Context, namespace string) (time.Time, bool, error)
}

// Outcome is the immediate answer to a trigger.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomeAlreadyRunning Outcome = "already_running"
)

// Trigger sources, used for logging and the sync_triggers_total metric.
const (
	TriggerAPI      = "api"
	TriggerCron     = "cron"
	TriggerInterval = "interval"
	TriggerStartup  = "startup"
)

// Options selects the kind of run.
type Options struct {
	// Full ignores last_sync_time and walks the whole dataset.
	Full bool
	// MaxPages bounds the number of pages fetched across the run. Nil means no bound.
	MaxPages *int
	// Trigger names what started the run.
	Trigger string
}

// Result summarizes one run.
type Result struct {
	RunID        string
	SyncType     string
	Status       string // completed, no_data, failed or cancelled
	Pages        int
	SkippedPages int
	Processed    int
	Batch        models.BatchOperationResult
	StartedAt    time.Time
	EndedAt      time.Time
	Err          error
}

// Written is the number of rows the run inserted or updated.
func (r *Result) Written() int {
	return r.Batch.Written()
}

// Orchestrator drives incremental and full syncs for one namespace.
type Orchestrator struct {
	store     Store
	fetcher   fetcher.Fetcher
	retry     *retry.Engine
	publisher events.Publisher
	cfg       config.SyncConfig
	pageSize  int
	now       func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc // non-nil while a run is in flight in this process
	baseCtx  context.Context
	running  bool
	stopChan chan struct{}
	cron     *cron.Cron
	wg       sync.WaitGroup // scheduler goroutines
	runs     sync.WaitGroup // asynchronous runs
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryEngine sets the engine wrapping database writes.
func WithRetryEngine(e *retry.Engine) Option {
	return func(o *Orchestrator) { o.retry = e }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithPageSize sets the upstream page size. Defaults to 2000.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// New creates an orchestrator. Unset sync settings fall back to the
// documented defaults.
func New(cfg config.SyncConfig, store Store, f fetcher.Fetcher, opts ...Option) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 5
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "cve"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}

	o := &Orchestrator{
		store:     store,
		fetcher:   f,
		publisher: events.Nop{},
		cfg:       cfg,
		pageSize:  2000,
		now:       time.Now,
		baseCtx:   context.Background(),
		stopChan:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retry == nil {
		o.retry = retry.New(retry.DefaultPolicies().WithOverrides(cfg.MaxRetries, cfg.RetryBaseDelay))
	}

	logging.Info().
		Str("namespace", cfg.Namespace).
		Int("workers", cfg.Workers).
		Int("page_size", o.pageSize).
		Dur("job_timeout", cfg.JobTimeout).
		Dur("stale_after", cfg.StaleAfter).
		Msg("Sync orchestrator config loaded")

	return o
}

// Namespace returns the metadata namespace this orchestrator owns.
func (o *Orchestrator) Namespace() string {
	return o.cfg.Namespace
}

// StartSync claims the namespace and runs the sync in the background.
// It returns OutcomeAlreadyRunning when a fresh claim is held elsewhere.
func (o *Orchestrator) StartSync(ctx context.Context, opts Options) (Outcome, error) {
	if opts.Trigger == "" {
		opts.Trigger = TriggerAPI
	}
	syncType, since, err := o.resolveType(ctx, opts)
	if err != nil {
		return "", err
	}

	runID := logging.GenerateRunID()
	claimed, err := o.store.ClaimSync(ctx, o.cfg.Namespace, syncType, runID, o.cfg.StaleAfter)
	if err != nil {
		metrics.SyncTriggers.WithLabelValues(opts.Trigger, "error").Inc()
		return "", fmt.Errorf("claim sync: %w", err)
	}
	if !claimed {
		metrics.SyncTriggers.WithLabelValues(opts.Trigger, string(OutcomeAlreadyRunning)).Inc()
		logging.Ctx(ctx).Info().Str("trigger", opts.Trigger).Msg("Sync already in progress, trigger ignored")
		return OutcomeAlreadyRunning, nil
	}
	metrics.SyncTriggers.WithLabelValues(opts.Trigger, string(OutcomeAccepted)).Inc()

	runCtx := o.arm(o.detach(ctx))
	o.runs.Add(1)
	go func() {
		defer o.runs.Done()
		res := o.execute(runCtx, runID, opts, syncType, since)
		if res.Err != nil {
			logging.Ctx(runCtx).Error().Err(res.Err).Str("run_id", res.RunID).Msg("Sync failed")
		}
	}()
	return OutcomeAccepted, nil
}

// Run claims the namespace and performs a sync, returning when it ends.
// A cancelled run returns a Result with status "cancelled" and no error.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Result, error) {
	syncType, since, err := o.resolveType(ctx, opts)
	if err != nil {
		return nil, err
	}
	runID := logging.GenerateRunID()
	claimed, err := o.store.ClaimSync(ctx, o.cfg.Namespace, syncType, runID, o.cfg.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("claim sync: %w", err)
	}
	if !claimed {
		return nil, ErrAlreadyRunning
	}
	res := o.execute(o.arm(ctx), runID, opts, syncType, since)
	return res, res.Err
}

// Cancel signals the in-flight run. It reports whether one was running in
// this process.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return false
	}
	o.cancel()
	return true
}

// Running reports whether this process has a run in flight.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancel != nil
}

// GetProgress returns the persisted progress of the current or last run.
func (o *Orchestrator) GetProgress(ctx context.Context) (models.Progress, error) {
	return o.store.ReadProgress(ctx, o.cfg.Namespace)
}

// LastSyncTime returns the start time of the last run that wrote records.
func (o *Orchestrator) LastSyncTime(ctx context.Context) (time.Time, bool, error) {
	return o.store.LastSyncTime(ctx, o.cfg.Namespace)
}

// resolveType picks full or incremental. Incremental needs last_sync_time
// and falls back to full without it.
func (o *Orchestrator) resolveType(ctx context.Context, opts Options) (string, *time.Time, error) {
	if opts.Full {
		return models.SyncTypeFull, nil, nil
	}
	last, ok, err := o.store.LastSyncTime(ctx, o.cfg.Namespace)
	if err != nil {
		return "", nil, fmt.Errorf("read last sync time: %w", err)
	}
	if !ok {
		logging.Ctx(ctx).Info().Msg("No previous sync recorded, running full sync")
		return models.SyncTypeFull, nil, nil
	}
	return models.SyncTypeIncremental, &last, nil
}

// detach returns a context for an asynchronous run: it keeps the trigger's
// values but follows the orchestrator's lifetime instead of the request's.
func (o *Orchestrator) detach(ctx context.Context) context.Context {
	o.mu.Lock()
	base := o.baseCtx
	o.mu.Unlock()

	runCtx := base
	if id := logging.CorrelationIDFromContext(ctx); id != "" {
		runCtx = logging.ContextWithCorrelationID(runCtx, id)
	}
	return runCtx
}

// arm derives a cancelable run context and installs its cancel handle so
// Cancel works from the moment the claim is held.
func (o *Orchestrator) arm(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	return ctx
}

// disarm clears the cancel handle installed by arm and releases its context.
func (o *Orchestrator) disarm() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	o.mu.Unlock()
}

// Wait blocks until asynchronous runs started by StartSync have returned.
func (o *Orchestrator) Wait() {
	o.runs.Wait()
}
