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
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/metrics"
	"github.com/tomtom215/vulnsync/internal/models"
	"github.com/tomtom215/vulnsync/internal/retry"
)

// sqlExecutor is satisfied by *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// MetadataKey returns the namespaced key ("cve:last_sync_time").
func MetadataKey(namespace, suffix string) string {
	return namespace + ":" + suffix
}

func (db *DB) metadataSelect() string {
	return "SELECT " + db.dialect.Quote("key") + ", value, status, last_modified, sync_type FROM sync_metadata"
}

// GetMetadata returns the value stored under key.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	entry, ok, err := db.GetEntry(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	return entry.Value, true, nil
}

// GetEntry returns the full metadata row for key.
func (db *DB) GetEntry(ctx context.Context, key string) (*models.SyncMetadataEntry, bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	q := db.dialect.Rebind(db.metadataSelect() + " WHERE " + db.dialect.Quote("key") + " = ?")
	entry, err := scanEntry(db.conn.QueryRowContext(ctx, q, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	recordQuery("select", start, err)
	if err != nil {
		return nil, false, classifyError(fmt.Errorf("get metadata %s: %w", key, err))
	}
	return entry, true, nil
}

// SetMetadata upserts a plain value under key.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	err := db.setMetadata(ctx, db.conn, models.SyncMetadataEntry{Key: key, Value: value, LastModified: db.timestamp()})
	recordQuery("upsert", start, err)
	return err
}

// ClaimSync atomically moves the namespace's status row to processing and
// records runID as the claim holder. It succeeds when the row is not
// processing, or when the processing claim has not been refreshed for
// staleAfter. A successful claim resets current, total and last_id.
func (db *DB) ClaimSync(ctx context.Context, namespace, syncType, runID string, staleAfter time.Duration) (bool, error) {
	if runID == "" {
		return false, ErrEmptyRunID
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, classifyError(fmt.Errorf("begin claim: %w", err))
	}
	defer rollbackQuietly(tx)

	statusKey := MetadataKey(namespace, models.MetaStatus)
	now := db.timestamp()
	if err := db.ensureRow(ctx, tx, statusKey, models.SyncStatusIdle, models.SyncStatusIdle, now); err != nil {
		return false, err
	}

	q := db.dialect.Rebind("UPDATE sync_metadata SET value = ?, status = ?, last_modified = ?, sync_type = ?, claim = ? WHERE " +
		db.dialect.Quote("key") + " = ? AND (value <> ? OR last_modified < ?)")
	res, err := tx.ExecContext(ctx, q,
		models.SyncStatusProcessing, models.SyncStatusProcessing, now, syncType, runID,
		statusKey, models.SyncStatusProcessing, now.Add(-staleAfter))
	if err != nil {
		return false, classifyError(fmt.Errorf("claim sync: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, classifyError(fmt.Errorf("claim rows affected: %w", err))
	}
	if affected != 1 {
		return false, nil
	}

	resets := map[string]string{
		models.MetaCurrent: "0",
		models.MetaTotal:   "0",
		models.MetaLastID:  "",
	}
	for suffix, value := range resets {
		entry := models.SyncMetadataEntry{
			Key:          MetadataKey(namespace, suffix),
			Value:        value,
			Status:       models.SyncStatusProcessing,
			LastModified: now,
			SyncType:     syncType,
		}
		if err := db.setMetadata(ctx, tx, entry); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, classifyError(fmt.Errorf("commit claim: %w", err))
	}
	logging.Ctx(ctx).Debug().Str("namespace", namespace).Str("sync_type", syncType).Str("run_id", runID).Msg("Sync claimed")
	return true, nil
}

// touchClaim refreshes the status row's heartbeat if runID still holds a
// processing claim, and returns models.ErrClaimLost otherwise.
func (db *DB) touchClaim(ctx context.Context, tx *sql.Tx, namespace, runID string, now time.Time) error {
	q := db.dialect.Rebind("UPDATE sync_metadata SET last_modified = ? WHERE " + db.dialect.Quote("key") +
		" = ? AND value = ? AND claim = ?")
	res, err := tx.ExecContext(ctx, q, now, MetadataKey(namespace, models.MetaStatus), models.SyncStatusProcessing, runID)
	if err != nil {
		return classifyError(fmt.Errorf("heartbeat: %w", err))
	}
	return claimHeld(res)
}

func claimHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classifyError(fmt.Errorf("claim rows affected: %w", err))
	}
	if n != 1 {
		return retry.Permanent(models.ErrClaimLost)
	}
	return nil
}

// AdvanceProgress adds n to the current counter, records lastID and
// refreshes the processing claim, all in one transaction. Nothing is written
// unless runID still holds the claim.
func (db *DB) AdvanceProgress(ctx context.Context, namespace, runID string, n int64, lastID string) error {
	if n < 0 {
		return ErrNegativeProgress
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(fmt.Errorf("begin progress: %w", err))
	}
	defer rollbackQuietly(tx)

	now := db.timestamp()
	if err := db.touchClaim(ctx, tx, namespace, runID, now); err != nil {
		return err
	}

	if n > 0 {
		currentKey := MetadataKey(namespace, models.MetaCurrent)
		if err := db.ensureRow(ctx, tx, currentKey, "0", models.SyncStatusProcessing, now); err != nil {
			return err
		}
		inc := db.dialect.Rebind("UPDATE sync_metadata SET value = " + db.dialect.incrementText("value", "?") +
			", last_modified = ? WHERE " + db.dialect.Quote("key") + " = ?")
		if _, err := tx.ExecContext(ctx, inc, n, now, currentKey); err != nil {
			return classifyError(fmt.Errorf("advance progress: %w", err))
		}
	}

	if lastID != "" {
		entry := models.SyncMetadataEntry{
			Key:          MetadataKey(namespace, models.MetaLastID),
			Value:        lastID,
			Status:       models.SyncStatusProcessing,
			LastModified: now,
		}
		if err := db.setMetadata(ctx, tx, entry); err != nil {
			return err
		}
	}

	err = tx.Commit()
	recordQuery("advance", start, err)
	if err != nil {
		return classifyError(fmt.Errorf("commit progress: %w", err))
	}
	return nil
}

// Heartbeat refreshes the processing claim without changing progress.
func (db *DB) Heartbeat(ctx context.Context, namespace, runID string) error {
	return db.AdvanceProgress(ctx, namespace, runID, 0, "")
}

// SetProgressTotal records the expected number of records for the run.
func (db *DB) SetProgressTotal(ctx context.Context, namespace, runID string, total int64) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(fmt.Errorf("begin progress total: %w", err))
	}
	defer rollbackQuietly(tx)

	now := db.timestamp()
	if err := db.touchClaim(ctx, tx, namespace, runID, now); err != nil {
		return err
	}
	entry := models.SyncMetadataEntry{
		Key:          MetadataKey(namespace, models.MetaTotal),
		Value:        strconv.FormatInt(total, 10),
		Status:       models.SyncStatusProcessing,
		LastModified: now,
	}
	if err := db.setMetadata(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyError(fmt.Errorf("commit progress total: %w", err))
	}
	return nil
}

// FinishSync sets the status row to status and writes values (keyed by
// suffix) in the same transaction. It is a no-op returning
// models.ErrClaimLost when another run has claimed the namespace since
// runID did. The claim column keeps runID, so a run may finish in steps.
func (db *DB) FinishSync(ctx context.Context, namespace, runID, status string, values map[string]string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classifyError(fmt.Errorf("begin finish: %w", err))
	}
	defer rollbackQuietly(tx)

	now := db.timestamp()
	q := db.dialect.Rebind("UPDATE sync_metadata SET value = ?, status = ?, last_modified = ? WHERE " +
		db.dialect.Quote("key") + " = ? AND claim = ?")
	res, err := tx.ExecContext(ctx, q, status, status, now, MetadataKey(namespace, models.MetaStatus), runID)
	if err != nil {
		return classifyError(fmt.Errorf("finish sync: %w", err))
	}
	if err := claimHeld(res); err != nil {
		return err
	}

	for suffix, value := range values {
		entry := models.SyncMetadataEntry{
			Key:          MetadataKey(namespace, suffix),
			Value:        value,
			Status:       status,
			LastModified: now,
		}
		if err := db.setMetadata(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyError(fmt.Errorf("commit finish: %w", err))
	}
	return nil
}

// ReleaseSync returns the status row to idle.
func (db *DB) ReleaseSync(ctx context.Context, namespace, runID string) error {
	return db.FinishSync(ctx, namespace, runID, models.SyncStatusIdle, nil)
}

// ReadProgress assembles the namespace's progress view.
func (db *DB) ReadProgress(ctx context.Context, namespace string) (models.Progress, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	suffixes := []string{
		models.MetaStatus, models.MetaCurrent, models.MetaTotal, models.MetaLastID,
		models.MetaLastSyncTime, models.MetaLastSyncError,
	}
	keys := make([]string, len(suffixes))
	for i, s := range suffixes {
		keys[i] = MetadataKey(namespace, s)
	}

	q := db.dialect.Rebind(db.metadataSelect() + " WHERE " + db.dialect.Quote("key") +
		" IN (?" + strings.Repeat(", ?", len(keys)-1) + ")")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, q, args...)
	recordQuery("select", start, err)
	if err != nil {
		return models.Progress{}, classifyError(fmt.Errorf("read progress: %w", err))
	}
	defer closeWithLog(rows, "progress rows")

	p := models.Progress{Status: models.SyncStatusIdle}
	prefix := namespace + ":"
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return models.Progress{}, classifyError(fmt.Errorf("scan progress: %w", err))
		}
		switch strings.TrimPrefix(e.Key, prefix) {
		case models.MetaStatus:
			if e.Value != "" {
				p.Status = e.Value
			}
			p.SyncType = e.SyncType
			updated := e.LastModified
			p.UpdatedAt = &updated
		case models.MetaCurrent:
			p.Current = parseCount(e.Value)
		case models.MetaTotal:
			p.Total = parseCount(e.Value)
		case models.MetaLastID:
			p.LastID = e.Value
		case models.MetaLastSyncTime:
			if t, err := time.Parse(time.RFC3339Nano, e.Value); err == nil {
				p.LastSyncTime = &t
			}
		case models.MetaLastSyncError:
			p.LastError = e.Value
		}
	}
	if err := rows.Err(); err != nil {
		return models.Progress{}, classifyError(err)
	}

	p.ComputePercentage()
	return p, nil
}

// LastSyncTime returns the recorded start time of the last completed sync.
func (db *DB) LastSyncTime(ctx context.Context, namespace string) (time.Time, bool, error) {
	v, ok, err := db.GetMetadata(ctx, MetadataKey(namespace, models.MetaLastSyncTime))
	if err != nil || !ok || v == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last sync time %q: %w", v, err)
	}
	return t, true, nil
}

// setMetadata writes a full row through the dialect's upsert, or
// update-then-insert on Generic.
func (db *DB) setMetadata(ctx context.Context, ex sqlExecutor, e models.SyncMetadataEntry) error {
	args := []interface{}{e.Key, e.Value, e.Status, e.LastModified, e.SyncType}

	if q := db.dialect.MetadataUpsertSQL(); q != "" {
		if _, err := ex.ExecContext(ctx, q, args...); err != nil {
			return classifyError(fmt.Errorf("set metadata %s: %w", e.Key, err))
		}
		return nil
	}

	update := db.dialect.Rebind("UPDATE sync_metadata SET value = ?, status = ?, last_modified = ?, sync_type = ? WHERE " +
		db.dialect.Quote("key") + " = ?")
	res, err := ex.ExecContext(ctx, update, e.Value, e.Status, e.LastModified, e.SyncType, e.Key)
	if err != nil {
		return classifyError(fmt.Errorf("set metadata %s: %w", e.Key, err))
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := ex.ExecContext(ctx, db.dialect.MetadataInsertIgnoreSQL(), args...); err != nil {
		return classifyError(fmt.Errorf("insert metadata %s: %w", e.Key, err))
	}
	return nil
}

// ensureRow inserts key with value unless it already exists.
func (db *DB) ensureRow(ctx context.Context, ex sqlExecutor, key, value, status string, now time.Time) error {
	args := []interface{}{key, value, status, now, ""}
	if db.dialect.Native() {
		if _, err := ex.ExecContext(ctx, db.dialect.MetadataInsertIgnoreSQL(), args...); err != nil {
			return classifyError(fmt.Errorf("ensure metadata %s: %w", key, err))
		}
		return nil
	}

	var count int
	q := db.dialect.Rebind("SELECT COUNT(*) FROM sync_metadata WHERE " + db.dialect.Quote("key") + " = ?")
	if err := ex.QueryRowContext(ctx, q, key).Scan(&count); err != nil {
		return classifyError(fmt.Errorf("check metadata %s: %w", key, err))
	}
	if count > 0 {
		return nil
	}
	if _, err := ex.ExecContext(ctx, db.dialect.MetadataInsertIgnoreSQL(), args...); err != nil {
		return classifyError(fmt.Errorf("ensure metadata %s: %w", key, err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*models.SyncMetadataEntry, error) {
	var e models.SyncMetadataEntry
	var value, status, syncType sql.NullString
	if err := row.Scan(&e.Key, &value, &status, &e.LastModified, &syncType); err != nil {
		return nil, err
	}
	e.Value = value.String
	e.Status = status.String
	e.SyncType = syncType.String
	return &e, nil
}

func parseCount(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func recordQuery(operation string, start time.Time, err error) {
	metrics.RecordDBQuery(operation, "sync_metadata", time.Since(start), err)
}
