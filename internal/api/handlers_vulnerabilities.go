// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package api

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

var cveIDPattern = regexp.MustCompile(`^CVE-\d{4}-\d{4,}$`)

// Vulnerability handles GET /api/v1/vulnerabilities/{id}
func (h *Handler) Vulnerability(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	id := strings.ToUpper(chi.URLParam(r, "id"))
	if !cveIDPattern.MatchString(id) {
		respondError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "id must look like CVE-YYYY-NNNN", nil)
		return
	}

	v, ok, err := h.db.GetVulnerability(r.Context(), id)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, ErrCodeDatabaseError, "Failed to load vulnerability", err)
		return
	}
	if !ok {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Vulnerability not found", nil)
		return
	}

	respondSuccess(w, http.StatusOK, v, start)
}
