// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/vulnsync/internal/models"
)

// Health handles GET /health
//
// Always 200 so the body can report a degraded database. Readiness probes
// should check the "status" field.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	health := models.HealthStatus{
		Status:   "healthy",
		Version:  h.version,
		Database: "connected",
		Dialect:  h.db.Dialect().String(),
		Uptime:   time.Since(h.startTime).Seconds(),
	}

	if err := h.db.Ping(ctx); err != nil {
		health.Status = "degraded"
		health.Database = "unreachable"
		respondSuccess(w, http.StatusOK, health, start)
		return
	}

	if n, err := h.db.CountVulnerabilities(ctx); err == nil {
		health.Records = n
	}
	if p, err := h.sync.GetProgress(ctx); err == nil {
		health.SyncStatus = p.Status
	}
	if last, ok, err := h.sync.LastSyncTime(ctx); err == nil && ok {
		health.LastSyncTime = &last
	}

	respondSuccess(w, http.StatusOK, health, start)
}
