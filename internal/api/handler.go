// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package api exposes the sync orchestrator over HTTP using the Chi router.
//
// It is a boundary adapter only: handlers decode and validate requests, call
// the orchestrator or the store, and wrap the result in models.APIResponse.
package api

import (
	"context"
	"time"

	"github.com/tomtom215/vulnsync/internal/database"
	"github.com/tomtom215/vulnsync/internal/models"
	intsync "github.com/tomtom215/vulnsync/internal/sync"
)

// SyncController is the part of *sync.Orchestrator the handlers use.
type SyncController interface {
	StartSync(ctx context.Context, opts intsync.Options) (intsync.Outcome, error)
	Cancel() bool
	GetProgress(ctx context.Context) (models.Progress, error)
	LastSyncTime(ctx context.Context) (time.Time, bool, error)
}

// Store is the part of *database.DB the handlers use.
type Store interface {
	Ping(ctx context.Context) error
	Dialect() database.Dialect
	GetVulnerability(ctx context.Context, cveID string) (*database.StoredVulnerability, bool, error)
	CountVulnerabilities(ctx context.Context) (int64, error)
}

// Handler holds the dependencies shared by all HTTP handlers.
type Handler struct {
	sync      SyncController
	db        Store
	version   string
	startTime time.Time
}

// NewHandler creates a Handler. version is reported by /health.
func NewHandler(sync SyncController, db Store, version string) *Handler {
	return &Handler{
		sync:      sync,
		db:        db,
		version:   version,
		startTime: time.Now(),
	}
}
