// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

// Package testinfra starts database containers for integration tests.
//
// It uses testcontainers-go to run the engines the store has native upsert
// dialects for, so the INSERT ... ON CONFLICT and ON DUPLICATE KEY UPDATE
// paths are exercised against real servers:
//
//	func TestPostgresUpsert(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    pg, err := testinfra.NewPostgresContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer testinfra.CleanupContainer(t, ctx, pg.Container)
//
//	    db, err := database.New(&config.DatabaseConfig{Driver: "postgres", DSN: pg.DSN, MaxOpenConns: 4})
//	    // ...
//	}
//
// Every file carries the integration build tag:
//
//	go test -tags integration ./internal/database/...
//
// Tests skip when no Docker daemon is reachable. The first run pulls images.
package testinfra
