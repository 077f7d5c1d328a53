// vulnsync - CVE Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vulnsync

//go:build integration

package testinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	// DefaultMySQLImage is the MySQL image used by integration tests.
	DefaultMySQLImage = "mysql:8.4"

	mysqlPort     = "3306/tcp"
	mysqlPassword = "vulnsync"
	mysqlDB       = "vulnsync"
)

// NewMySQLContainer starts MySQL and returns a go-sql-driver DSN for it.
func NewMySQLContainer(ctx context.Context) (*DatabaseContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        DefaultMySQLImage,
		ExposedPorts: []string{mysqlPort},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": mysqlPassword,
			"MYSQL_DATABASE":      mysqlDB,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("port: 3306  MySQL Community Server"),
			wait.ForListeningPort(mysqlPort),
		).WithStartupTimeout(120 * time.Second),
	}

	return startDatabase(ctx, "mysql", req, func(hostPort string) string {
		return fmt.Sprintf("root:%s@tcp(%s)/%s", mysqlPassword, hostPort, mysqlDB)
	})
}
