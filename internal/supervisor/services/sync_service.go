// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package services

import (
	"context"
	"fmt"
)

// Scheduler is the Start/Stop lifecycle of *sync.Orchestrator.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop() error
}

// SyncService supervises the orchestrator's scheduler. Stop cancels any
// in-flight run and waits for it to release its claim, so a shutdown never
// leaves the status row in processing.
type SyncService struct {
	scheduler Scheduler
	name      string
}

// NewSyncService wraps scheduler.
func NewSyncService(scheduler Scheduler) *SyncService {
	return &SyncService{
		scheduler: scheduler,
		name:      "sync-scheduler",
	}
}

// Serve implements suture.Service.
func (s *SyncService) Serve(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("sync scheduler start failed: %w", err)
	}

	<-ctx.Done()

	if err := s.scheduler.Stop(); err != nil {
		return fmt.Errorf("sync scheduler stop failed: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture's log messages.
func (s *SyncService) String() string {
	return s.name
}
