// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the private per-agent key/value store. Entries
// are scoped globally or to a session, optionally expire, and are never
// readable by any agent other than their owner.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/storage"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

const (
	maxValueBytes    = 1 << 20
	maxMetadataBytes = 4096
	defaultQuota     = 100 << 20

	defaultListLimit = 50
	maxListLimit     = 500
)

// keyPattern admits dotted, dashed, and underscored names up to 128 chars,
// starting with an alphanumeric.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-.]{0,127}$`)

// Entry is one stored key/value pair.
type Entry struct {
	Key       string          `json:"key"`
	Value     string          `json:"value"`
	SessionID string          `json:"session_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Usage reports an agent's storage consumption against its quota.
type Usage struct {
	Entries    int64 `json:"entries"`
	Bytes      int64 `json:"bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Store persists agent memory. Every operation is keyed by the caller's
// agent identity; there is no cross-agent read path, admin included.
type Store struct {
	db    *storage.DB
	quota int64

	now func() time.Time
}

// NewStore creates a Store. quota bounds the total value bytes per agent; a
// non-positive value selects the 100 MiB default.
func NewStore(db *storage.DB, quota int64) *Store {
	if quota <= 0 {
		quota = defaultQuota
	}
	return &Store{db: db, quota: quota, now: time.Now}
}

// SetParams carries the set_memory inputs. SessionID empty means global
// scope. TTL zero means no expiry. Overwrite false makes an existing live
// key an error.
type SetParams struct {
	Key       string
	Value     string
	SessionID string
	Metadata  json.RawMessage
	TTL       time.Duration
	Overwrite bool
}

// Set stores or replaces one entry for the calling agent.
func (s *Store) Set(ctx context.Context, claims *tokens.Claims, params SetParams) error {
	defer s.db.Track("memory.set")()

	if !keyPattern.MatchString(params.Key) {
		return scerrors.Newf(scerrors.ErrInvalidKey, "invalid memory key %q", params.Key).
			WithSuggestions("keys start with a letter or digit and use only letters, digits, '_', '-', '.' (max 128 chars)")
	}
	if len(params.Value) > maxValueBytes {
		return scerrors.Newf(scerrors.ErrContentTooLarge, "value exceeds %d bytes", maxValueBytes).
			With("size", len(params.Value)).With("max_size", maxValueBytes)
	}
	if len(params.Metadata) > maxMetadataBytes {
		return scerrors.Newf(scerrors.ErrInvalidInput, "metadata exceeds %d bytes", maxMetadataBytes)
	}
	if len(params.Metadata) > 0 && !json.Valid(params.Metadata) {
		return scerrors.New(scerrors.ErrInvalidInput, "metadata must be valid JSON")
	}
	if params.TTL < 0 {
		return scerrors.New(scerrors.ErrInvalidInput, "ttl must not be negative")
	}

	nowMs := s.now().UnixMilli()
	var expiresAt sql.NullInt64
	if params.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: s.now().Add(params.TTL).UnixMilli(), Valid: true}
	}

	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		// Expired rows under this key are purged rather than resurrected.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM agent_memory
			 WHERE agent_id = ? AND COALESCE(session_id, '') = ? AND key = ?
			   AND expires_at IS NOT NULL AND expires_at <= ?`,
			claims.AgentID, params.SessionID, params.Key, nowMs); err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "purging expired entry", err)
		}

		var (
			existingID  int64
			existingLen int64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, LENGTH(value) FROM agent_memory
			 WHERE agent_id = ? AND COALESCE(session_id, '') = ? AND key = ?`,
			claims.AgentID, params.SessionID, params.Key).Scan(&existingID, &existingLen)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "looking up entry", err)
		}
		if exists && !params.Overwrite {
			return scerrors.Newf(scerrors.ErrInvalidInput, "key %q already exists and overwrite is false", params.Key)
		}

		var used int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM agent_memory
			 WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
			claims.AgentID, nowMs).Scan(&used); err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "computing usage", err)
		}
		if used-existingLen+int64(len(params.Value)) > s.quota {
			return scerrors.New(scerrors.ErrMemoryLimitExceeded, "agent memory quota exceeded").
				With("used_bytes", used).With("quota_bytes", s.quota).
				With("entry_bytes", len(params.Value)).
				WithSuggestions("delete unused entries with delete_memory", "store smaller values")
		}

		if exists {
			_, err = tx.ExecContext(ctx,
				`UPDATE agent_memory SET value = ?, metadata = ?, updated_at = ?, expires_at = ? WHERE id = ?`,
				params.Value, nullableJSON(params.Metadata), nowMs, expiresAt, existingID)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO agent_memory (agent_id, session_id, key, value, metadata, created_at, updated_at, expires_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				claims.AgentID, nullableString(params.SessionID), params.Key,
				params.Value, nullableJSON(params.Metadata), nowMs, nowMs, expiresAt)
		}
		if err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "writing entry", err)
		}
		return nil
	})
}

// Get returns one entry. With fallbackGlobal set and a session scope given,
// a miss in the session scope falls back to the agent's global scope.
// Expired entries read as missing.
func (s *Store) Get(ctx context.Context, claims *tokens.Claims, key, sessionID string, fallbackGlobal bool) (*Entry, error) {
	defer s.db.Track("memory.get")()

	entry, err := s.get(ctx, claims.AgentID, key, sessionID)
	if err != nil && sessionID != "" && fallbackGlobal && scerrors.IsCode(err, scerrors.ErrMemoryNotFound) {
		entry, err = s.get(ctx, claims.AgentID, key, "")
	}
	return entry, err
}

func (s *Store) get(ctx context.Context, agentID, key, sessionID string) (*Entry, error) {
	row := s.db.DB().QueryRowContext(ctx,
		`SELECT key, value, session_id, metadata, created_at, updated_at, expires_at
		 FROM agent_memory
		 WHERE agent_id = ? AND COALESCE(session_id, '') = ? AND key = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		agentID, sessionID, key, s.now().UnixMilli())
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scerrors.Newf(scerrors.ErrMemoryNotFound, "key %q not found", key).
			With("key", key).
			WithSuggestions("list available keys with list_memory")
	}
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "reading entry", err)
	}
	return entry, nil
}

// ListParams carries the list_memory inputs. GlobalOnly wins over SessionID;
// with neither set, all scopes are listed.
type ListParams struct {
	SessionID  string
	GlobalOnly bool
	Prefix     string
	Limit      int
}

// List returns the calling agent's live entries ordered by key.
func (s *Store) List(ctx context.Context, claims *tokens.Claims, params ListParams) ([]Entry, error) {
	defer s.db.Track("memory.list")()

	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT key, value, session_id, metadata, created_at, updated_at, expires_at
		 FROM agent_memory WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{claims.AgentID, s.now().UnixMilli()}
	switch {
	case params.GlobalOnly:
		query += ` AND session_id IS NULL`
	case params.SessionID != "":
		query += ` AND session_id = ?`
		args = append(args, params.SessionID)
	}
	if params.Prefix != "" {
		query += ` AND key LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(params.Prefix)+"%")
	}
	query += ` ORDER BY key ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "listing entries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "scanning entry", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "iterating entries", err)
	}
	return out, nil
}

// Delete removes one entry from the given scope.
func (s *Store) Delete(ctx context.Context, claims *tokens.Claims, key, sessionID string) error {
	defer s.db.Track("memory.delete")()

	return s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM agent_memory WHERE agent_id = ? AND COALESCE(session_id, '') = ? AND key = ?`,
			claims.AgentID, sessionID, key)
		if err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "deleting entry", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "deleting entry", err)
		}
		if n == 0 {
			return scerrors.Newf(scerrors.ErrMemoryNotFound, "key %q not found", key).With("key", key)
		}
		return nil
	})
}

// Usage returns the calling agent's live entry count and byte consumption.
func (s *Store) Usage(ctx context.Context, agentID string) (*Usage, error) {
	var u Usage
	u.QuotaBytes = s.quota
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM agent_memory
		 WHERE agent_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		agentID, s.now().UnixMilli()).Scan(&u.Entries, &u.Bytes)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "computing usage", err)
	}
	return &u, nil
}

// Sweep deletes expired entries and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	defer s.db.Track("memory.sweep")()

	var removed int64
	err := s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM agent_memory WHERE expires_at IS NOT NULL AND expires_at <= ?`,
			s.now().UnixMilli())
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, scerrors.Wrap(scerrors.ErrStorageUnavailable, "sweeping expired entries", err)
	}
	return removed, nil
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := s.Sweep(ctx)
				if err != nil {
					logger.Warnw("memory sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					logger.Debugw("memory sweep", "removed", removed)
				}
			}
		}
	}()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*Entry, error) {
	var (
		entry     Entry
		sessionID sql.NullString
		meta      sql.NullString
		createdMs int64
		updatedMs int64
		expiresMs sql.NullInt64
	)
	if err := row.Scan(&entry.Key, &entry.Value, &sessionID, &meta, &createdMs, &updatedMs, &expiresMs); err != nil {
		return nil, err
	}
	entry.SessionID = sessionID.String
	if meta.Valid {
		entry.Metadata = json.RawMessage(meta.String)
	}
	entry.CreatedAt = time.UnixMilli(createdMs).UTC()
	entry.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if expiresMs.Valid {
		t := time.UnixMilli(expiresMs.Int64).UTC()
		entry.ExpiresAt = &t
	}
	return &entry, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' || s[i] == '_' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
