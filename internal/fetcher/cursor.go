// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package fetcher

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/tomtom215/vulnsync/internal/models"
)

// MaxModifiedWindow is the longest lastModStartDate/lastModEndDate range the
// NVD API accepts in one query.
const MaxModifiedWindow = 120 * 24 * time.Hour

// nvdTimeLayout is the ISO-8601 form the NVD API expects in query parameters.
const nvdTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrWindowTooLong is returned for a modified-since window the upstream would reject.
var ErrWindowTooLong = errors.New("modified window exceeds 120 days")

// Cursor addresses one page of results.
type Cursor struct {
	StartIndex    int
	PageSize      int
	ModifiedSince *time.Time
	ModifiedUntil *time.Time
}

// Page is one decoded upstream response. Next is nil on the last page.
type Page struct {
	Records      []models.SourceRecord
	TotalResults int
	StartIndex   int
	Next         *Cursor
}

// LastID returns the ID of the final record on the page, or "".
func (p *Page) LastID() string {
	if p == nil || len(p.Records) == 0 {
		return ""
	}
	return p.Records[len(p.Records)-1].ID
}

// At returns a copy of c positioned at startIndex.
func (c Cursor) At(startIndex int) Cursor {
	c.StartIndex = startIndex
	return c
}

// Validate rejects cursors the upstream cannot serve.
func (c Cursor) Validate() error {
	if c.StartIndex < 0 {
		return fmt.Errorf("negative start index %d", c.StartIndex)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if (c.ModifiedSince == nil) != (c.ModifiedUntil == nil) {
		return errors.New("modified window needs both ends")
	}
	if c.ModifiedSince != nil {
		span := c.ModifiedUntil.Sub(*c.ModifiedSince)
		if span < 0 {
			return errors.New("modified window ends before it starts")
		}
		if span > MaxModifiedWindow {
			return ErrWindowTooLong
		}
	}
	return nil
}

// query renders the NVD query parameters.
func (c Cursor) query() url.Values {
	q := url.Values{}
	q.Set("resultsPerPage", strconv.Itoa(c.PageSize))
	q.Set("startIndex", strconv.Itoa(c.StartIndex))
	if c.ModifiedSince != nil && c.ModifiedUntil != nil {
		q.Set("lastModStartDate", c.ModifiedSince.UTC().Format(nvdTimeLayout))
		q.Set("lastModEndDate", c.ModifiedUntil.UTC().Format(nvdTimeLayout))
	}
	return q
}

// SplitWindow cuts [since, until) into consecutive windows no longer than
// MaxModifiedWindow. A zero-length range yields one empty window.
func SplitWindow(since, until time.Time) [][2]time.Time {
	if !until.After(since) {
		return [][2]time.Time{{since, until}}
	}
	var windows [][2]time.Time
	for start := since; start.Before(until); {
		end := start.Add(MaxModifiedWindow)
		if end.After(until) {
			end = until
		}
		windows = append(windows, [2]time.Time{start, end})
		start = end
	}
	return windows
}
