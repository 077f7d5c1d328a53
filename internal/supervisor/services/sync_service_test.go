// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	intsync "github.com/tomtom215/vulnsync/internal/sync"
)

var (
	_ Scheduler      = (*intsync.Orchestrator)(nil)
	_ suture.Service = (*SyncService)(nil)
)

// mockScheduler fails its first failUntil starts.
type mockScheduler struct {
	starts    atomic.Int32
	stops     atomic.Int32
	failUntil int32
	stopErr   error
	started   chan struct{}
}

func newMockScheduler() *mockScheduler {
	return &mockScheduler{started: make(chan struct{}, 8)}
}

func (m *mockScheduler) Start(context.Context) error {
	if n := m.starts.Add(1); n <= m.failUntil {
		return errors.New("schedule full sync: bad expression")
	}
	m.started <- struct{}{}
	return nil
}

func (m *mockScheduler) Stop() error {
	m.stops.Add(1)
	return m.stopErr
}

func TestSyncService_StartStop(t *testing.T) {
	sched := newMockScheduler()
	svc := NewSyncService(sched)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	select {
	case <-sched.started:
	case <-time.After(time.Second):
		t.Fatal("scheduler was not started")
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("service did not stop")
	}
	if sched.stops.Load() != 1 {
		t.Errorf("Stop called %d times, want 1", sched.stops.Load())
	}
}

func TestSyncService_StartError(t *testing.T) {
	sched := newMockScheduler()
	sched.failUntil = 1

	err := NewSyncService(sched).Serve(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}
	if sched.stops.Load() != 0 {
		t.Error("Stop must not run after a failed Start")
	}
}

func TestSyncService_StopError(t *testing.T) {
	sched := newMockScheduler()
	sched.stopErr = errors.New("sync orchestrator is not running")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSyncService(sched).Serve(ctx) }()
	<-sched.started
	cancel()

	if err := <-done; !errors.Is(err, sched.stopErr) {
		t.Errorf("expected wrapped stop error, got %v", err)
	}
}

func TestSyncService_RestartedBySupervisor(t *testing.T) {
	sched := newMockScheduler()
	sched.failUntil = 2

	sup := suture.New("sync-test", suture.Spec{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		Timeout:          100 * time.Millisecond,
	})
	sup.Add(NewSyncService(sched))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	select {
	case <-sched.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never started after restarts")
	}
	if n := sched.starts.Load(); n < 3 {
		t.Errorf("Start called %d times, want at least 3", n)
	}

	cancel()
	<-errCh
}
