// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package database

import (
	"strconv"
	"strings"

	"github.com/tomtom215/vulnsync/internal/database/query"
)

// Dialect is the closed set of SQL flavours the store knows how to write.
// Postgres, MySQL and SQLite have a native single-statement upsert; every
// other driver (DuckDB included) goes through the Generic read-split-write path.
type Dialect int

const (
	DialectGeneric Dialect = iota
	DialectPostgres
	DialectMySQL
	DialectSQLite
)

// DetectDialect maps a database/sql driver name to its dialect.
func DetectDialect(driverName string) Dialect {
	switch strings.ToLower(driverName) {
	case "postgres", "pgx", "pgx/v5":
		return DialectPostgres
	case "mysql":
		return DialectMySQL
	case "sqlite", "sqlite3":
		return DialectSQLite
	default:
		return DialectGeneric
	}
}

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	case DialectMySQL:
		return "mysql"
	case DialectSQLite:
		return "sqlite"
	default:
		return "generic"
	}
}

// Native reports whether the dialect has a single-statement upsert.
func (d Dialect) Native() bool {
	return d != DialectGeneric
}

// Placeholder renders the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// MaxBatchSize is the largest number of rows written in one statement.
// SQLite is bounded by its host parameter limit.
func (d Dialect) MaxBatchSize() int {
	switch d {
	case DialectPostgres:
		return 1000
	case DialectMySQL:
		return 500
	case DialectSQLite:
		return 100
	default:
		return 200
	}
}

// Quote quotes an identifier that collides with a reserved word.
func (d Dialect) Quote(ident string) string {
	if d == DialectMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

// SupportsSavepoints reports whether per-row isolation can use SAVEPOINT
// inside one transaction. Generic falls back to a transaction per row.
func (d Dialect) SupportsSavepoints() bool {
	return d.Native()
}

type columnTypes struct {
	ID        string
	Key       string
	Text      string
	Short     string
	Timestamp string
	Float     string
	Int       string
}

func (d Dialect) types() columnTypes {
	switch d {
	case DialectPostgres:
		return columnTypes{"VARCHAR(64)", "VARCHAR(191)", "TEXT", "VARCHAR(64)", "TIMESTAMPTZ", "DOUBLE PRECISION", "INTEGER"}
	case DialectMySQL:
		return columnTypes{"VARCHAR(64)", "VARCHAR(191)", "TEXT", "VARCHAR(64)", "DATETIME(6)", "DOUBLE", "INT"}
	case DialectSQLite:
		return columnTypes{"TEXT", "TEXT", "TEXT", "TEXT", "TIMESTAMP", "REAL", "INTEGER"}
	default:
		return columnTypes{"VARCHAR", "VARCHAR", "VARCHAR", "VARCHAR", "TIMESTAMP", "DOUBLE", "INTEGER"}
	}
}

// vulnColumns is the insert column order of the vulnerabilities table.
var vulnColumns = []string{
	"cve_id", "description", "severity", "cvss_score", "published_at",
	"last_modified", "source_identifier", "vuln_status", "created_at", "updated_at",
}

// mutableColumns change only when the incoming last_modified is newer.
// last_modified stays last: MySQL evaluates assignments left to right.
var mutableColumns = []string{
	"description", "severity", "cvss_score", "vuln_status", "updated_at", "last_modified",
}

// InsertSQL is a plain multi-row insert into vulnerabilities.
func (d Dialect) InsertSQL(rows int) string {
	return "INSERT INTO vulnerabilities (" + query.Columns(vulnColumns) + ") VALUES " +
		query.Values(rows, len(vulnColumns), d.Placeholder, 0)
}

// UpsertSQL is the native multi-row upsert guarded by last_modified.
// Generic has no native form and returns "".
func (d Dialect) UpsertSQL(rows int) string {
	var sb strings.Builder
	sb.WriteString(d.InsertSQL(rows))

	switch d {
	case DialectPostgres, DialectSQLite:
		sb.WriteString(" ON CONFLICT (cve_id) DO UPDATE SET ")
		for i, col := range mutableColumns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(col + " = excluded." + col)
		}
		sb.WriteString(" WHERE excluded.last_modified > vulnerabilities.last_modified")
	case DialectMySQL:
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
		for i, col := range mutableColumns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(col + " = IF(VALUES(last_modified) > last_modified, VALUES(" + col + "), " + col + ")")
		}
	default:
		return ""
	}
	return sb.String()
}

// UpdateSQL is the guarded single-row update used by the Generic path.
func (d Dialect) UpdateSQL() string {
	sets := make([]string, 0, len(mutableColumns))
	for i, col := range mutableColumns {
		sets = append(sets, col+" = "+d.Placeholder(i+1))
	}
	n := len(mutableColumns)
	return "UPDATE vulnerabilities SET " + strings.Join(sets, ", ") +
		" WHERE cve_id = " + d.Placeholder(n+1) + " AND last_modified < " + d.Placeholder(n+2)
}

var metadataColumns = []string{"key", "value", "status", "last_modified", "sync_type"}

func (d Dialect) metadataInsertPrefix(ignore bool) string {
	cols := append([]string{d.Quote("key")}, metadataColumns[1:]...)
	verb := "INSERT INTO "
	if ignore && d == DialectMySQL {
		verb = "INSERT IGNORE INTO "
	}
	return verb + "sync_metadata (" + query.Columns(cols) + ") VALUES " +
		query.Values(1, len(cols), d.Placeholder, 0)
}

// MetadataUpsertSQL writes one metadata row, replacing value, status,
// last_modified and sync_type. Generic returns "".
func (d Dialect) MetadataUpsertSQL() string {
	switch d {
	case DialectPostgres, DialectSQLite:
		return d.metadataInsertPrefix(false) + " ON CONFLICT (" + d.Quote("key") + ") DO UPDATE SET " +
			"value = excluded.value, status = excluded.status, " +
			"last_modified = excluded.last_modified, sync_type = excluded.sync_type"
	case DialectMySQL:
		return d.metadataInsertPrefix(false) + " ON DUPLICATE KEY UPDATE " +
			"value = VALUES(value), status = VALUES(status), " +
			"last_modified = VALUES(last_modified), sync_type = VALUES(sync_type)"
	default:
		return ""
	}
}

// MetadataInsertIgnoreSQL inserts a metadata row unless the key exists.
// Generic returns a plain insert; callers check existence first.
func (d Dialect) MetadataInsertIgnoreSQL() string {
	switch d {
	case DialectPostgres, DialectSQLite:
		return d.metadataInsertPrefix(true) + " ON CONFLICT (" + d.Quote("key") + ") DO NOTHING"
	default:
		return d.metadataInsertPrefix(true)
	}
}

// Rebind rewrites "?" placeholders into the dialect's style.
func (d Dialect) Rebind(q string) string {
	if d != DialectPostgres {
		return q
	}
	var sb strings.Builder
	sb.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			sb.WriteString(d.Placeholder(n))
			continue
		}
		sb.WriteByte(q[i])
	}
	return sb.String()
}

// incrementText renders "value + n" for a counter held in a text column.
// Empty or NULL counts as zero.
func (d Dialect) incrementText(col, ph string) string {
	col = "COALESCE(NULLIF(" + col + ", ''), '0')"
	switch d {
	case DialectMySQL:
		return "CAST(CAST(" + col + " AS SIGNED) + " + ph + " AS CHAR)"
	case DialectSQLite:
		return "CAST(CAST(" + col + " AS INTEGER) + " + ph + " AS TEXT)"
	default:
		return "CAST(CAST(" + col + " AS BIGINT) + " + ph + " AS VARCHAR)"
	}
}
