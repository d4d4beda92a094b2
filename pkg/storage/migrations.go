// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// runMigrations applies all pending migrations using goose and returns the
// resulting schema version. Migrations are forward-only and run inside a
// transaction.
func runMigrations(ctx context.Context, db *sql.DB) (int64, error) {
	// The embedded filesystem has files under "migrations/", so we need
	// to strip that prefix to get a flat filesystem of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(database.DialectSQLite3, db, migrationFS)
	if err != nil {
		return 0, fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
