// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tomtom215/vulnsync/internal/config"
	"github.com/tomtom215/vulnsync/internal/logging"
)

// DB wraps a database/sql pool together with the dialect used to write to it.
type DB struct {
	conn      *sql.DB
	driver    string
	dialect   Dialect
	batchSize int
	now       func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithBatchSize sets the requested rows per statement. The effective size
// never exceeds the dialect maximum.
func WithBatchSize(n int) Option {
	return func(db *DB) { db.batchSize = n }
}

// WithClock overrides the time source used for created_at, updated_at and
// metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithDialect forces a dialect instead of detecting it from the driver name,
// for drivers registered under custom names.
func WithDialect(d Dialect) Option {
	return func(db *DB) { db.dialect = d }
}

// New opens the configured driver, applies the connection pool settings and
// runs pending migrations.
func New(cfg *config.DatabaseConfig, opts ...Option) (*DB, error) {
	dsn, err := prepareDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := NewFromConn(conn, cfg.Driver, opts...)
	if err != nil {
		closeQuietly(conn)
		return nil, err
	}
	db.configureConnectionPool(cfg)

	logging.Info().
		Str("driver", cfg.Driver).
		Str("dialect", db.dialect.String()).
		Int("batch_size", db.BatchSize()).
		Msg("Database initialized")
	return db, nil
}

// NewFromConn wraps an already opened pool and runs pending migrations.
func NewFromConn(conn *sql.DB, driverName string, opts ...Option) (*DB, error) {
	db := &DB{
		conn:    conn,
		driver:  driverName,
		dialect: DetectDialect(driverName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	if DetectDialect(driverName) == DialectSQLite {
		// One writer at a time; avoids SQLITE_BUSY on lock upgrades.
		conn.SetMaxOpenConns(1)
	}

	if err := db.runVersionedMigrations(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// prepareDSN applies driver-specific connection defaults.
func prepareDSN(driver, dsn string) (string, error) {
	switch DetectDialect(driver) {
	case DialectMySQL:
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("invalid mysql DSN: %w", err)
		}
		mc.ParseTime = true
		// claim guards read RowsAffected and must count matched rows
		mc.ClientFoundRows = true
		mc.Loc = time.UTC
		return mc.FormatDSN(), nil
	case DialectSQLite:
		if err := ensureParentDir(strings.TrimPrefix(dsnPath(dsn), "file:")); err != nil {
			return "", err
		}
		return sqliteDSN(dsn)
	default:
		if strings.EqualFold(driver, "duckdb") {
			if err := ensureParentDir(dsnPath(dsn)); err != nil {
				return "", err
			}
		}
		return dsn, nil
	}
}

// sqlitePragmas are added unless the DSN already sets the same pragma.
var sqlitePragmas = []struct{ name, value string }{
	{"journal_mode", "WAL"},
	{"busy_timeout", "5000"},
}

// sqliteDSN fills in the default pragmas and forces _time_format=sqlite,
// which the last_modified text comparisons depend on. Only the query part
// after '?' is inspected.
func sqliteDSN(dsn string) (string, error) {
	path, rawQuery := dsn, ""
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		path, rawQuery = dsn[:i], dsn[i+1:]
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", fmt.Errorf("invalid sqlite DSN query: %w", err)
	}

	set := make(map[string]bool)
	for _, p := range q["_pragma"] {
		name := p
		if i := strings.IndexAny(p, "(="); i >= 0 {
			name = p[:i]
		}
		set[strings.ToLower(strings.TrimSpace(name))] = true
	}

	var params []string
	if rawQuery != "" {
		for _, part := range strings.Split(rawQuery, "&") {
			if part == "" || strings.HasPrefix(part, "_time_format=") {
				continue
			}
			params = append(params, part)
		}
	}
	for _, p := range sqlitePragmas {
		if !set[p.name] {
			params = append(params, "_pragma="+p.name+"("+p.value+")")
		}
	}
	params = append(params, "_time_format=sqlite")
	return path + "?" + strings.Join(params, "&"), nil
}

func dsnPath(dsn string) string {
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

func ensureParentDir(path string) error {
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// configureConnectionPool sets connection pool parameters
func (db *DB) configureConnectionPool(cfg *config.DatabaseConfig) {
	if DetectDialect(db.driver) != DialectSQLite && cfg.MaxOpenConns > 0 {
		db.conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.conn.SetMaxIdleConns(cfg.MaxIdleConns)
	db.conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.conn.SetConnMaxIdleTime(5 * time.Minute)
}

// Conn returns the underlying SQL connection pool.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Dialect returns the dialect selected from the driver name.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// BatchSize is min(requested, dialect maximum).
func (db *DB) BatchSize() int {
	maxSize := db.dialect.MaxBatchSize()
	if db.batchSize <= 0 || db.batchSize > maxSize {
		return maxSize
	}
	return db.batchSize
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	if db.conn == nil {
		return fmt.Errorf("database connection is nil")
	}
	return db.conn.PingContext(ctx)
}

// Close closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// ensureContext adds a 30-second timeout when ctx has no deadline.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 30*time.Second)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		return context.WithTimeout(ctx, 30*time.Second)
	}
	return ctx, func() {}
}

// dbTime normalizes a timestamp to the precision every supported column
// type preserves, so Go-side comparisons agree with SQL-side ones.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func (db *DB) timestamp() time.Time {
	return dbTime(db.now())
}
