// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Versioned schema migrations.
//
// Applied migrations are tracked in schema_migrations and run exactly once.
// DDL is rendered per dialect, so the same version list serves every driver.
// Migrations are append-only: never modify or remove one that has shipped.

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/vulnsync/internal/logging"
)

// Migration represents a versioned database migration.
type Migration struct {
	Version     int       // Unique version number (monotonically increasing)
	Name        string    // Human-readable migration name
	Description string    // Description of what this migration does
	SQL         string    // SQL statement to execute
	AppliedAt   time.Time // When the migration was applied (populated on query)
}

func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func (db *DB) schemaMigrationsTable() string {
	t := db.dialect.types()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS schema_migrations (
	version %s PRIMARY KEY,
	name %s NOT NULL,
	description %s,
	applied_at %s NOT NULL
)`, t.Int, t.Short, t.Text, t.Timestamp)
}

// getMigrations returns all versioned migrations in order, rendered for the
// connection's dialect.
func (db *DB) getMigrations() []Migration {
	t := db.dialect.types()
	key := db.dialect.Quote("key")

	return []Migration{
		{
			Version:     1,
			Name:        "create_vulnerabilities",
			Description: "Normalized CVE projection keyed by cve_id",
			SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vulnerabilities (
	cve_id %[1]s NOT NULL PRIMARY KEY,
	description %[2]s,
	severity %[3]s,
	cvss_score %[4]s CHECK (cvss_score IS NULL OR (cvss_score >= 0 AND cvss_score <= 10)),
	published_at %[5]s,
	last_modified %[5]s NOT NULL,
	source_identifier %[3]s,
	vuln_status %[3]s,
	created_at %[5]s NOT NULL,
	updated_at %[5]s NOT NULL
)`, t.ID, t.Text, t.Short, t.Float, t.Timestamp),
		},
		{
			Version:     2,
			Name:        "create_sync_metadata",
			Description: "Namespaced key/value store for sync progress and claims",
			SQL: fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sync_metadata (
	%[1]s %[2]s NOT NULL PRIMARY KEY,
	value %[3]s,
	status %[4]s,
	last_modified %[5]s NOT NULL,
	sync_type %[4]s
)`, key, t.Key, t.Text, t.Short, t.Timestamp),
		},
		{
			Version:     3,
			Name:        "index_vulnerabilities_last_modified",
			Description: "Supports incremental lookups by modification time",
			SQL:         `CREATE INDEX idx_vulnerabilities_last_modified ON vulnerabilities (last_modified)`,
		},
		{
			Version:     4,
			Name:        "add_sync_metadata_claim",
			Description: "Run ID holding the namespace claim",
			SQL:         fmt.Sprintf(`ALTER TABLE sync_metadata ADD COLUMN claim %s`, t.Short),
		},
	}
}

// createMigrationsTable creates the schema_migrations table if it doesn't exist
func (db *DB) createMigrationsTable(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, db.schemaMigrationsTable())
	return err
}

// getAppliedMigrations returns a map of version -> Migration for all applied migrations
func (db *DB) getAppliedMigrations(ctx context.Context) (map[int]Migration, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT version, name, description, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer closeWithLog(rows, "migration rows")

	applied := make(map[int]Migration)
	for rows.Next() {
		var m Migration
		if err := rows.Scan(&m.Version, &m.Name, &m.Description, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[m.Version] = m
	}
	return applied, rows.Err()
}

// runVersionedMigrations executes only migrations that haven't been applied yet.
func (db *DB) runVersionedMigrations() error {
	ctx, cancel := schemaContext()
	defer cancel()

	if err := db.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	record := fmt.Sprintf(`INSERT INTO schema_migrations (version, name, description, applied_at) VALUES (%s, %s, %s, %s)`,
		db.dialect.Placeholder(1), db.dialect.Placeholder(2), db.dialect.Placeholder(3), db.dialect.Placeholder(4))

	newMigrations := 0
	for _, m := range db.getMigrations() {
		if _, exists := applied[m.Version]; exists {
			continue
		}

		if _, err := db.conn.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("failed to execute migration v%d (%s): %w", m.Version, m.Name, err)
		}

		if _, err := db.conn.ExecContext(ctx, record, m.Version, m.Name, m.Description, db.timestamp()); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		newMigrations++
	}

	if newMigrations > 0 {
		logging.Info().Int("count", newMigrations).Str("dialect", db.dialect.String()).Msg("Applied database migrations")
	}
	return nil
}

// GetCurrentSchemaVersion returns the highest applied migration version
func (db *DB) GetCurrentSchemaVersion(ctx context.Context) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var version int
	err := db.conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return version, nil
}

// GetMigrationHistory returns all applied migrations in order
func (db *DB) GetMigrationHistory(ctx context.Context) ([]Migration, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	history := make([]Migration, 0, len(applied))
	for _, m := range db.getMigrations() {
		if a, ok := applied[m.Version]; ok {
			history = append(history, a)
		}
	}
	return history, nil
}
