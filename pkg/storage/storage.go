// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage owns the embedded SQLite database: schema migrations, the
// bounded connection pool, the single-writer transaction discipline, and
// query statistics. Every other component persists through this package.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/logger"
)

const (
	// writeRetryMaxTries bounds retries of a busy write transaction.
	writeRetryMaxTries = 5

	// writeRetryMaxElapsed caps the total time spent retrying a busy write.
	writeRetryMaxElapsed = 250 * time.Millisecond
)

// Config holds database settings.
type Config struct {
	// URL is the database location. "sqlite://" prefixes and plain paths are
	// accepted, as are full "file:" DSNs (used by tests for in-memory stores).
	URL string

	// MinConns and MaxConns bound the connection pool.
	MinConns int
	MaxConns int

	// ConnTimeout is the busy/acquisition timeout.
	ConnTimeout time.Duration
}

// DB wraps the SQLite pool with a single-writer discipline and query stats.
type DB struct {
	db      *sql.DB
	writeMu sync.Mutex

	statsMu sync.Mutex
	queries map[string]*QueryStats

	migrationVersion int64
}

// Open opens (creating if necessary) the database, applies pragmas, sizes the
// pool, and runs pending migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.MinConns <= 0 {
		cfg.MinConns = 5
	}
	if cfg.MaxConns < cfg.MinConns {
		cfg.MaxConns = 50
	}
	if cfg.ConnTimeout <= 0 {
		cfg.ConnTimeout = 30 * time.Second
	}

	db, err := sql.Open("sqlite", dsn(cfg.URL, cfg.ConnTimeout))
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "opening database", err)
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "connecting to database", err)
	}

	wrapper := &DB{
		db:      db,
		queries: make(map[string]*QueryStats),
	}

	version, err := runMigrations(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "running migrations", err)
	}
	wrapper.migrationVersion = version

	logger.Infow("database ready", "url", cfg.URL, "migration_version", version,
		"pool_min", cfg.MinConns, "pool_max", cfg.MaxConns)
	return wrapper, nil
}

// DB returns the underlying pool for read queries.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the underlying pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// MigrationVersion returns the schema revision applied at startup.
func (d *DB) MigrationVersion() int64 {
	return d.migrationVersion
}

// Ping verifies that a read connection is obtainable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// WriteTx runs fn inside a write transaction. Writers serialize on an
// in-process mutex; busy errors from the engine are retried with capped
// exponential backoff. fn must be safe to re-run.
func (d *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 10 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := d.attemptWriteTx(ctx, fn)
		if err != nil && !isBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(writeRetryMaxTries),
		backoff.WithMaxElapsedTime(writeRetryMaxElapsed),
	)
	if err != nil && isBusy(err) {
		return scerrors.Wrap(scerrors.ErrDatabaseTimeout, "write transaction timed out", err).WithRetryAfter(1)
	}
	return err
}

func (d *DB) attemptWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return scerrors.Wrap(scerrors.ErrRequestTimeout, "acquiring write transaction", err).WithRetryAfter(1)
		}
		if isBusy(err) {
			return err
		}
		return scerrors.Wrap(scerrors.ErrStorageUnavailable, "beginning transaction", err)
	}
	defer rollback(tx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// QueryStats accumulates latency figures for one query kind.
type QueryStats struct {
	Count       int64
	TotalMillis int64
	MaxMillis   int64
}

// Stats is a point-in-time view of pool and query statistics.
type Stats struct {
	Pool             sql.DBStats
	Queries          map[string]QueryStats
	MigrationVersion int64
}

// Track records the duration of a query kind. Use as:
//
//	defer db.Track("messages.insert")()
func (d *DB) Track(kind string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start).Milliseconds()
		d.statsMu.Lock()
		defer d.statsMu.Unlock()
		qs, ok := d.queries[kind]
		if !ok {
			qs = &QueryStats{}
			d.queries[kind] = qs
		}
		qs.Count++
		qs.TotalMillis += elapsed
		if elapsed > qs.MaxMillis {
			qs.MaxMillis = elapsed
		}
	}
}

// Stats returns a snapshot of pool and query statistics.
func (d *DB) Stats() Stats {
	d.statsMu.Lock()
	queries := make(map[string]QueryStats, len(d.queries))
	for kind, qs := range d.queries {
		queries[kind] = *qs
	}
	d.statsMu.Unlock()

	return Stats{
		Pool:             d.db.Stats(),
		Queries:          queries,
		MigrationVersion: d.migrationVersion,
	}
}

// dsn builds the modernc DSN with the required pragmas. Existing query
// parameters (in-memory test DSNs) are preserved.
func dsn(url string, timeout time.Duration) string {
	path := strings.TrimPrefix(url, "sqlite://")
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()),
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(ON)",
		"cache_size(-16384)",
		"mmap_size(268435456)",
	}
	return path + sep + "_pragma=" + strings.Join(pragmas, "&_pragma=")
}

// IsUniqueViolation reports whether err is a SQLite unique constraint error.
func IsUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// isBusy reports whether err is a transient lock contention error.
func isBusy(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xff
		return code == sqlite3lib.SQLITE_BUSY || code == sqlite3lib.SQLITE_LOCKED
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }
