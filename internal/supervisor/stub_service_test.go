// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
)

// errCrashed is returned by a stubService while it still has crashes left.
var errCrashed = errors.New("stub service crashed")

// stubService stands in for the sync scheduler or the HTTP server.
type stubService struct {
	name    string
	crashes atomic.Int32 // remaining Serve calls that fail immediately
	ignore  bool         // keep running after ctx is done

	starts atomic.Int32
	stops  atomic.Int32
}

func newStubService(name string) *stubService {
	return &stubService{name: name}
}

// crashing makes the next n Serve calls return errCrashed.
func (s *stubService) crashing(n int32) *stubService {
	s.crashes.Store(n)
	return s
}

// stuck makes Serve ignore cancellation.
func (s *stubService) stuck() *stubService {
	s.ignore = true
	return s
}

func (s *stubService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	defer s.stops.Add(1)

	if s.crashes.Add(-1) >= 0 {
		return errCrashed
	}
	if s.ignore {
		select {}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *stubService) String() string { return s.name }
