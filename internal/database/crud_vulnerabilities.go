// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/models"
)

// StoredVulnerability is a vulnerabilities row including bookkeeping columns.
type StoredVulnerability struct {
	models.Vulnerability
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GetVulnerability loads one row by CVE ID.
func (db *DB) GetVulnerability(ctx context.Context, cveID string) (*StoredVulnerability, bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	q := db.dialect.Rebind(`SELECT cve_id, description, severity, cvss_score, published_at, last_modified,
	source_identifier, vuln_status, created_at, updated_at FROM vulnerabilities WHERE cve_id = ?`)

	var v StoredVulnerability
	var description, severity, source, vulnStatus sql.NullString
	var score sql.NullFloat64
	var published sql.NullTime
	err := db.conn.QueryRowContext(ctx, q, cveID).Scan(
		&v.CVEID, &description, &severity, &score, &published, &v.LastModified,
		&source, &vulnStatus, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	metrics.RecordDBQuery("select", "vulnerabilities", time.Since(start), err)
	if err != nil {
		return nil, false, classifyError(fmt.Errorf("get vulnerability %s: %w", cveID, err))
	}

	v.Description = description.String
	v.Severity = severity.String
	v.SourceIdentifier = source.String
	v.VulnStatus = vulnStatus.String
	if score.Valid {
		s := score.Float64
		v.CVSSScore = &s
	}
	if published.Valid {
		v.PublishedAt = published.Time
	}
	return &v, true, nil
}

// CountVulnerabilities returns the number of stored rows.
func (db *DB) CountVulnerabilities(ctx context.Context) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var n int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM vulnerabilities`).Scan(&n); err != nil {
		return 0, classifyError(fmt.Errorf("count vulnerabilities: %w", err))
	}
	return n, nil
}
