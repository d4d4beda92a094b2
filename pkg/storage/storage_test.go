// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var memDBCounter atomic.Int64

// openTestDB opens an isolated in-memory database with migrations applied.
// The store packages use pkg/storage/storagetest; this package cannot, as
// the helper package imports it.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := fmt.Sprintf("file:storageinternal%d?mode=memory&cache=shared", memDBCounter.Add(1))
	db, err := Open(context.Background(), Config{URL: url, MinConns: 1, MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	assert.Positive(t, db.MigrationVersion())

	for _, table := range []string{"sessions", "messages", "agent_memory", "secure_tokens"} {
		var name string
		err := db.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}
}

func TestWriteTxCommit(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	err := db.WriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO sessions (id, purpose, created_at, updated_at, created_by) VALUES (?, ?, 0, 0, ?)",
			"session_0123456789abcdef", "testing", "agent-a",
		)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestWriteTxRollsBackOnError(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO sessions (id, purpose, created_at, updated_at, created_by) VALUES (?, ?, 0, 0, ?)",
			"session_0123456789abcdef", "testing", "agent-a",
		); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var count int
	require.NoError(t, db.DB().QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Zero(t, count)
}

func TestUniqueViolationDetection(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	insert := func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO secure_tokens (token_hash, jwt_encrypted, salt, agent_id, expires_at, created_at) "+
				"VALUES (?, X'00', X'00', 'a', 0, 0)",
			"dup",
		)
		return err
	}
	require.NoError(t, db.WriteTx(ctx, insert))

	err := db.WriteTx(ctx, insert)
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestTrackAccumulatesQueryStats(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	db.Track("sessions.create")()
	db.Track("sessions.create")()
	db.Track("messages.insert")()

	stats := db.Stats()
	assert.EqualValues(t, 2, stats.Queries["sessions.create"].Count)
	assert.EqualValues(t, 1, stats.Queries["messages.insert"].Count)
	assert.Equal(t, db.MigrationVersion(), stats.MigrationVersion)
}

func TestDSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		url  string
		want []string
	}{
		{
			name: "plain path",
			url:  "./data.db",
			want: []string{"file:./data.db?", "journal_mode(WAL)", "foreign_keys(ON)"},
		},
		{
			name: "sqlite scheme stripped",
			url:  "sqlite:///var/lib/scs.db",
			want: []string{"file:/var/lib/scs.db?"},
		},
		{
			name: "existing query preserved",
			url:  "file:x?mode=memory&cache=shared",
			want: []string{"mode=memory&cache=shared&_pragma="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := dsn(tt.url, 0)
			for _, want := range tt.want {
				assert.Contains(t, got, want)
			}
		})
	}
}
