// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/vulnsync/internal/logging"
)

// cronParser accepts standard five-field expressions and descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// cronLogger routes robfig/cron's logging into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

// Start begins scheduled syncing: a full sync on sync.full_cron and an
// incremental sync every sync.incremental_interval. Runs triggered here go
// through the same claim as API triggers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("sync orchestrator is already running")
	}

	var c *cron.Cron
	if o.cfg.FullCron != "" {
		c = cron.New(cron.WithParser(cronParser), cron.WithLogger(cronLogger{}))
		if _, err := c.AddFunc(o.cfg.FullCron, func() { o.trigger(Options{Full: true, Trigger: TriggerCron}) }); err != nil {
			o.mu.Unlock()
			return fmt.Errorf("schedule full sync %q: %w", o.cfg.FullCron, err)
		}
	}

	o.running = true
	o.baseCtx = ctx
	o.stopChan = make(chan struct{})
	o.cron = c
	o.mu.Unlock()

	logging.Info().
		Str("full_cron", o.cfg.FullCron).
		Dur("incremental_interval", o.cfg.IncrementalInterval).
		Bool("sync_on_start", o.cfg.SyncOnStart).
		Msg("Starting sync scheduler...")

	if c != nil {
		c.Start()
	}
	if o.cfg.IncrementalInterval > 0 {
		o.wg.Add(1)
		go o.intervalLoop(ctx, o.cfg.IncrementalInterval)
	}
	if o.cfg.SyncOnStart {
		o.trigger(Options{Trigger: TriggerStartup})
	}
	return nil
}

// Stop halts the scheduler, cancels any in-flight run and waits for it to
// release its claim.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return errors.New("sync orchestrator is not running")
	}
	o.running = false
	c := o.cron
	o.cron = nil
	close(o.stopChan)
	o.mu.Unlock()

	logging.Info().Msg("Stopping sync scheduler...")

	if c != nil {
		<-c.Stop().Done()
	}
	o.wg.Wait()
	o.Cancel()
	o.runs.Wait()

	o.mu.Lock()
	o.baseCtx = context.Background()
	o.mu.Unlock()

	logging.Info().Msg("Sync scheduler stopped")
	return nil
}

func (o *Orchestrator) intervalLoop(ctx context.Context, interval time.Duration) {
	defer o.wg.Done()

	o.mu.Lock()
	stop := o.stopChan
	o.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.trigger(Options{Trigger: TriggerInterval})
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// trigger starts a scheduled run, logging rather than returning failures.
func (o *Orchestrator) trigger(opts Options) {
	ctx := logging.ContextWithCorrelationID(context.Background(), logging.GenerateCorrelationID())
	outcome, err := o.StartSync(ctx, opts)
	if err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("trigger", opts.Trigger).Msg("Scheduled sync could not start")
		return
	}
	logging.Ctx(ctx).Info().Str("trigger", opts.Trigger).Str("outcome", string(outcome)).Msg("Scheduled sync triggered")
}
