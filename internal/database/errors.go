// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/tomtom215/vulnsync/internal/logging"
	"github.com/tomtom215/vulnsync/internal/retry"
)

var (
	// ErrConstraint marks a write rejected by a schema constraint.
	ErrConstraint = errors.New("constraint violation")

	// ErrNegativeProgress is returned when a progress increment would move
	// the counter backwards.
	ErrNegativeProgress = errors.New("progress increment must not be negative")

	// ErrEmptyRunID is returned when a claim is requested without a run ID.
	ErrEmptyRunID = errors.New("claim requires a run ID")
)

// SQLite result codes (primary code is the low byte of the extended code).
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// MySQL server error numbers.
const (
	mysqlDupEntry             = 1062
	mysqlRowIsReferenced      = 1451
	mysqlNoReferencedRow      = 1452
	mysqlBadNull              = 1048
	mysqlCheckViolated        = 3819
	mysqlLockWaitTimeout      = 1205
	mysqlDeadlock             = 1213
	mysqlTooManyConnections   = 1040
	mysqlServerGone           = 2006
	mysqlServerLostConnection = 2013
)

// classifyError wraps a driver error so the retry engine can tell transient
// failures from permanent ones. Constraint violations also carry ErrConstraint.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var de *retry.DatabaseError
	if errors.As(err, &de) {
		return err
	}
	switch {
	case isConstraintViolation(err):
		return fmt.Errorf("%w: %w", ErrConstraint, retry.Permanent(err))
	case isTransientError(err):
		return retry.Transient(err)
	default:
		return retry.Permanent(err)
	}
}

// IsConstraintViolation reports whether err (or its chain) is a constraint failure.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraint) || isConstraintViolation(err)
}

func isConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlDupEntry, mysqlRowIsReferenced, mysqlNoReferencedRow, mysqlBadNull, mysqlCheckViolated:
			return true
		}
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code&0xff == sqliteConstraint
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "constraint error") ||
		strings.Contains(msg, "violates unique") ||
		strings.Contains(msg, "violates primary key") ||
		strings.Contains(msg, "duplicate key")
}

func isTransientError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return true
		}
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock, mysqlTooManyConnections, mysqlServerGone, mysqlServerLostConnection:
			return true
		}
		return false
	}
	if code, ok := sqliteCode(err); ok {
		primary := code & 0xff
		return primary == sqliteBusy || primary == sqliteLocked
	}
	return isConnectionError(err) || isTransactionConflict(err)
}

// sqliteCode extracts the result code from a modernc.org/sqlite error.
func sqliteCode(err error) (int, bool) {
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		return coded.Code(), true
	}
	return 0, false
}

// isConnectionError checks if an error message indicates connection loss
func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "database is closed")
}

// isTransactionConflict checks for DuckDB optimistic concurrency conflicts
func isTransactionConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Conflict on update")
}

// closeWithLog closes a resource and logs any error
func closeWithLog(closer io.Closer, resourceType string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logging.Warn().Str("type", resourceType).Err(err).Msg("Failed to close resource")
	}
}

// closeQuietly closes a resource and explicitly ignores any error
func closeQuietly(closer io.Closer) {
	if closer != nil {
		_ = closer.Close()
	}
}

// rollbackQuietly rolls back tx unless it was already committed.
func rollbackQuietly(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logging.Debug().Err(err).Msg("Rollback failed")
	}
}
