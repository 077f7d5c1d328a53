// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package api

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/models"
	intsync "github.com/tomtom215/vulnsync/internal/sync"
)

// maxTriggerBody bounds POST /api/v1/sync bodies.
const maxTriggerBody = 4 << 10

// StartSyncRequest is the body of POST /api/v1/sync. An empty body starts an
// incremental sync with no page limit.
type StartSyncRequest struct {
	Full     bool `json:"full"`
	MaxPages *int `json:"max_pages" validate:"omitempty,min=1"`
}

// StartSync handles POST /api/v1/sync
//
// 202 when the run was claimed, 409 when another run holds the claim.
func (h *Handler) StartSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req StartSyncRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Request body too large", nil)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "Invalid request body", nil)
			return
		}
	}
	if apiErr := validateRequest(&req); apiErr != nil {
		respondJSON(w, http.StatusBadRequest, &models.APIResponse{
			Status:   "error",
			Metadata: models.Metadata{Timestamp: time.Now()},
			Error:    apiErr,
		})
		return
	}

	outcome, err := h.sync.StartSync(r.Context(), intsync.Options{
		Full:     req.Full,
		MaxPages: req.MaxPages,
		Trigger:  intsync.TriggerAPI,
	})
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeDatabaseError, "Failed to start sync", err)
		return
	}

	resp := models.SyncTriggerResponse{Outcome: string(outcome), MaxPages: req.MaxPages}
	if outcome == intsync.OutcomeAlreadyRunning {
		respondErrorWithData(w, http.StatusConflict, ErrCodeSyncInProgress, "A sync is already running", resp)
		return
	}

	// The claim records the resolved type (incremental falls back to full).
	if p, err := h.sync.GetProgress(r.Context()); err == nil {
		resp.SyncType = p.SyncType
	}

	logging.Ctx(r.Context()).Info().
		Bool("full", req.Full).
		Str("sync_type", resp.SyncType).
		Msg("Sync triggered via API")

	respondSuccess(w, http.StatusAccepted, resp, start)
}

// CancelSync handles DELETE /api/v1/sync
//
// 202 when a run in this process was signalled, 404 otherwise.
func (h *Handler) CancelSync(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if !h.sync.Cancel() {
		respondError(w, r, http.StatusNotFound, ErrCodeSyncNotRunning, "No sync is running", nil)
		return
	}

	logging.Ctx(r.Context()).Info().Msg("Sync cancellation requested via API")
	respondSuccess(w, http.StatusAccepted, map[string]string{"outcome": "cancelling"}, start)
}

// SyncProgress handles GET /api/v1/sync/progress
func (h *Handler) SyncProgress(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	progress, err := h.sync.GetProgress(r.Context())
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeDatabaseError, "Failed to read sync progress", err)
		return
	}

	respondSuccess(w, http.StatusOK, progress, start)
}
