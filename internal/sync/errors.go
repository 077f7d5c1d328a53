// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package sync

import (
	"errors"

	"github.com/tomtom215/vulnsync/internal/fetcher"
	"github.com/tomtom215/vulnsync/internal/retry"
)

// classifyRunError maps a run failure to the sync_errors_total label.
func classifyRunError(err error) string {
	var fe *fetcher.FetchError
	switch {
	case errors.Is(err, ErrJobTimeout):
		return "timeout"
	case errors.As(err, &fe):
		return "fetch"
	case retry.Classify(err).Category == retry.Database:
		return "database"
	case isUpstream(err):
		return "fetch"
	default:
		return "other"
	}
}

func isUpstream(err error) bool {
	var se *retry.StatusError
	return errors.As(err, &se) || errors.Is(err, fetcher.ErrCircuitOpen)
}
