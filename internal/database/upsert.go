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

	"github.com/tomtom215/vulnsync/internal/database/query"
	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/models"
	"github.com/tomtom215/vulnsync/internal/retry"
	"github.com/tomtom215/vulnsync/internal/validation"
)

// rowState is what a row will do relative to the stored copy.
type rowState int

const (
	rowInsert rowState = iota
	rowUpdate
	rowSkip
)

// UpsertBatch writes vulns in a single transaction, issuing one statement
// group per BatchSize chunk, so a failed or cancelled call commits nothing.
//
// A row is inserted when its cve_id is new and updated only when its
// LastModified is strictly newer than the stored one; everything else is
// skipped. Duplicate IDs in the input collapse to the newest copy. A chunk
// that fails with a permanent error is rolled back to its savepoint and
// replayed row by row so that only the offending rows are counted as Failed.
// Transient errors are returned classified for the retry engine.
//
// The Generic dialect has no savepoints: a permanent failure there rolls the
// whole call back and replays it with one transaction per row.
func (db *DB) UpsertBatch(ctx context.Context, vulns []models.Vulnerability) (*models.BatchOperationResult, error) {
	result := &models.BatchOperationResult{Total: len(vulns), StartedAt: db.now()}
	defer func() {
		result.EndedAt = db.now()
		metrics.RecordUpsert(db.dialect.String(), result.Duration(),
			result.Inserted, result.Updated, result.Skipped, result.Failed)
	}()

	valid := db.rejectInvalid(vulns, result)
	rows, dups := dedupeNewest(valid)
	result.Skipped += dups
	if len(rows) == 0 {
		return result, nil
	}

	written, err := db.upsertPage(ctx, rows)
	if err != nil && !db.dialect.SupportsSavepoints() && isolatable(err) {
		db.logFallback(ctx, err, len(rows))
		written, err = db.upsertEach(ctx, rows)
	}
	if written != nil {
		result.Merge(written)
	}
	return result, err
}

// upsertPage writes rows chunk by chunk inside one transaction.
func (db *DB) upsertPage(ctx context.Context, rows []models.Vulnerability) (*models.BatchOperationResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifyError(fmt.Errorf("begin upsert transaction: %w", err))
	}
	defer rollbackQuietly(tx)

	res := &models.BatchOperationResult{}
	size := db.BatchSize()
	for n, start := 0, 0; start < len(rows); n, start = n+1, start+size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}

		chunkResult, err := db.writeChunk(ctx, tx, rows[start:end], n)
		if err != nil {
			return nil, err
		}
		res.Merge(chunkResult)
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyError(fmt.Errorf("commit upsert: %w", err))
	}
	return res, nil
}

// writeChunk runs one chunk under its own savepoint where the dialect has
// them, falling back to row isolation on a permanent error.
func (db *DB) writeChunk(ctx context.Context, tx *sql.Tx, chunk []models.Vulnerability, n int) (*models.BatchOperationResult, error) {
	now := db.timestamp()
	if !db.dialect.SupportsSavepoints() {
		return db.upsertChunk(ctx, tx, chunk, now)
	}

	sp := fmt.Sprintf("chunk_%d", n+1)
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, classifyError(fmt.Errorf("savepoint: %w", err))
	}

	res, err := db.upsertChunk(ctx, tx, chunk, now)
	if err != nil {
		if !isolatable(err) {
			return nil, err
		}
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return nil, classifyError(fmt.Errorf("rollback to savepoint: %w", rbErr))
		}
		db.logFallback(ctx, err, len(chunk))
		if res, err = db.upsertRows(ctx, tx, chunk, now); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return nil, classifyError(fmt.Errorf("release savepoint: %w", err))
	}
	return res, nil
}

func (db *DB) logFallback(ctx context.Context, err error, rows int) {
	logging.Ctx(ctx).Warn().Err(err).
		Str("dialect", db.dialect.String()).
		Int("rows", rows).
		Msg("Batch upsert failed, isolating rows")
	metrics.UpsertRowFallbacks.WithLabelValues(db.dialect.String()).Inc()
}

// isolatable reports whether a chunk failure should be retried row by row.
func isolatable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !retry.Classify(err).Retryable
}

func (db *DB) rejectInvalid(vulns []models.Vulnerability, result *models.BatchOperationResult) []models.Vulnerability {
	valid := make([]models.Vulnerability, 0, len(vulns))
	for i := range vulns {
		if verr := validation.ValidateStruct(&vulns[i]); verr != nil {
			result.Failed++
			result.FailedIDs = append(result.FailedIDs, vulns[i].CVEID)
			logging.Warn().Str("cve_id", vulns[i].CVEID).Str("error", verr.Error()).Msg("Rejected invalid vulnerability")
			continue
		}
		valid = append(valid, vulns[i])
	}
	return valid
}

// dedupeNewest keeps one row per CVEID (the newest LastModified, first seen
// on ties) in first-seen order and reports how many rows were dropped.
func dedupeNewest(vulns []models.Vulnerability) ([]models.Vulnerability, int) {
	index := make(map[string]int, len(vulns))
	out := make([]models.Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		v.LastModified = dbTime(v.LastModified)
		if i, ok := index[v.CVEID]; ok {
			if v.LastModified.After(out[i].LastModified) {
				out[i] = v
			}
			continue
		}
		index[v.CVEID] = len(out)
		out = append(out, v)
	}
	return out, len(vulns) - len(out)
}

// upsertChunk writes one chunk inside tx.
func (db *DB) upsertChunk(ctx context.Context, tx *sql.Tx, chunk []models.Vulnerability, now time.Time) (*models.BatchOperationResult, error) {
	states, err := db.readStates(ctx, tx, chunk)
	if err != nil {
		return nil, err
	}

	res := &models.BatchOperationResult{}
	var inserts, updates []models.Vulnerability
	for _, v := range chunk {
		switch states[v.CVEID] {
		case rowInsert:
			inserts = append(inserts, v)
			res.Inserted++
		case rowUpdate:
			updates = append(updates, v)
			res.Updated++
		default:
			res.Skipped++
		}
	}

	if db.dialect.Native() {
		changed := append(inserts, updates...)
		if len(changed) > 0 {
			if _, err := tx.ExecContext(ctx, db.dialect.UpsertSQL(len(changed)), rowArgs(changed, now)...); err != nil {
				return nil, classifyError(fmt.Errorf("upsert %d rows: %w", len(changed), err))
			}
		}
		return res, nil
	}

	if len(inserts) > 0 {
		if _, err := tx.ExecContext(ctx, db.dialect.InsertSQL(len(inserts)), rowArgs(inserts, now)...); err != nil {
			return nil, classifyError(fmt.Errorf("insert %d rows: %w", len(inserts), err))
		}
	}
	for _, v := range updates {
		if err := db.updateRow(ctx, tx, v, now); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// upsertEach writes rows with one transaction per row. Rows that fail
// permanently are counted and skipped; the first transient error stops the
// replay and is returned with what was already committed.
func (db *DB) upsertEach(ctx context.Context, rows []models.Vulnerability) (*models.BatchOperationResult, error) {
	res := &models.BatchOperationResult{}
	for _, v := range rows {
		r, err := db.upsertPage(ctx, []models.Vulnerability{v})
		if err != nil {
			if !isolatable(err) {
				return res, err
			}
			db.recordRowFailure(ctx, res, v, err)
			continue
		}
		res.Merge(r)
	}
	return res, nil
}

// upsertRows replays a chunk one row at a time inside tx, each row under its
// own savepoint so a bad row leaves the rest of the chunk intact.
func (db *DB) upsertRows(ctx context.Context, tx *sql.Tx, chunk []models.Vulnerability, now time.Time) (*models.BatchOperationResult, error) {
	states, err := db.readStates(ctx, tx, chunk)
	if err != nil {
		return nil, err
	}

	res := &models.BatchOperationResult{}
	for i, v := range chunk {
		state := states[v.CVEID]
		if state == rowSkip {
			res.Skipped++
			continue
		}

		sp := fmt.Sprintf("row_%d", i+1)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
			return nil, classifyError(fmt.Errorf("savepoint: %w", err))
		}

		if err := db.writeRow(ctx, tx, v, state, now); err != nil {
			if !isolatable(err) {
				return nil, err
			}
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return nil, classifyError(fmt.Errorf("rollback to savepoint: %w", rbErr))
			}
			db.recordRowFailure(ctx, res, v, err)
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return nil, classifyError(fmt.Errorf("release savepoint: %w", err))
		}
		if state == rowInsert {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func (db *DB) recordRowFailure(ctx context.Context, res *models.BatchOperationResult, v models.Vulnerability, err error) {
	res.Failed++
	res.FailedIDs = append(res.FailedIDs, v.CVEID)
	logging.Ctx(ctx).Warn().Err(err).
		Str("cve_id", v.CVEID).
		Bool("constraint", IsConstraintViolation(err)).
		Msg("Row upsert failed")
}

func (db *DB) writeRow(ctx context.Context, tx *sql.Tx, v models.Vulnerability, state rowState, now time.Time) error {
	if db.dialect.Native() {
		if _, err := tx.ExecContext(ctx, db.dialect.UpsertSQL(1), rowArgs([]models.Vulnerability{v}, now)...); err != nil {
			return classifyError(fmt.Errorf("upsert %s: %w", v.CVEID, err))
		}
		return nil
	}
	if state == rowInsert {
		if _, err := tx.ExecContext(ctx, db.dialect.InsertSQL(1), rowArgs([]models.Vulnerability{v}, now)...); err != nil {
			return classifyError(fmt.Errorf("insert %s: %w", v.CVEID, err))
		}
		return nil
	}
	return db.updateRow(ctx, tx, v, now)
}

func (db *DB) updateRow(ctx context.Context, tx *sql.Tx, v models.Vulnerability, now time.Time) error {
	_, err := tx.ExecContext(ctx, db.dialect.UpdateSQL(),
		v.Description, nullString(v.Severity), nullFloat(v.CVSSScore), v.VulnStatus, now, v.LastModified,
		v.CVEID, v.LastModified)
	if err != nil {
		return classifyError(fmt.Errorf("update %s: %w", v.CVEID, err))
	}
	return nil
}

// readStates pre-reads stored last_modified values for the chunk inside tx
// and decides insert, update or skip for each ID.
func (db *DB) readStates(ctx context.Context, tx *sql.Tx, chunk []models.Vulnerability) (map[string]rowState, error) {
	ids := make([]string, len(chunk))
	for i, v := range chunk {
		ids[i] = v.CVEID
	}
	where, args := query.NewWhereBuilder(db.dialect.Placeholder).AddIn("cve_id", ids).Build()

	rows, err := tx.QueryContext(ctx, "SELECT cve_id, last_modified FROM vulnerabilities "+where, args...)
	if err != nil {
		return nil, classifyError(fmt.Errorf("read existing rows: %w", err))
	}
	defer closeWithLog(rows, "existing rows")

	stored := make(map[string]time.Time, len(chunk))
	for rows.Next() {
		var id string
		var lm time.Time
		if err := rows.Scan(&id, &lm); err != nil {
			return nil, classifyError(fmt.Errorf("scan existing row: %w", err))
		}
		stored[id] = lm
	}
	if err := rows.Err(); err != nil {
		return nil, classifyError(err)
	}

	states := make(map[string]rowState, len(chunk))
	for _, v := range chunk {
		lm, ok := stored[v.CVEID]
		switch {
		case !ok:
			states[v.CVEID] = rowInsert
		case v.LastModified.After(lm):
			states[v.CVEID] = rowUpdate
		default:
			states[v.CVEID] = rowSkip
		}
	}
	return states, nil
}

// rowArgs flattens rows in vulnColumns order.
func rowArgs(vulns []models.Vulnerability, now time.Time) []interface{} {
	args := make([]interface{}, 0, len(vulns)*len(vulnColumns))
	for _, v := range vulns {
		args = append(args,
			v.CVEID,
			v.Description,
			nullString(v.Severity),
			nullFloat(v.CVSSScore),
			nullTime(v.PublishedAt),
			v.LastModified,
			v.SourceIdentifier,
			v.VulnStatus,
			now,
			now,
		)
	}
	return args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(t), Valid: true}
}
