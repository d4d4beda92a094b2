// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/storage"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

const (
	maxPurposeChars  = 500
	maxMetadataBytes = 4096

	defaultMessageLimit = 50
	maxMessageLimit     = 1000
)

// Store persists sessions and messages and publishes change events after the
// owning transaction commits.
type Store struct {
	db  *storage.DB
	bus *notify.Bus

	maxContentChars int

	now func() time.Time
}

// NewStore creates a Store. maxContentChars bounds message content length; a
// non-positive value selects the default of 10000.
func NewStore(db *storage.DB, bus *notify.Bus, maxContentChars int) *Store {
	if maxContentChars <= 0 {
		maxContentChars = 10000
	}
	return &Store{
		db:              db,
		bus:             bus,
		maxContentChars: maxContentChars,
		now:             time.Now,
	}
}

// CreateSession creates a new active session owned by the caller. When
// initialMessage is non-empty a first public message is written in the same
// transaction, so observers never see the session without it.
func (s *Store) CreateSession(ctx context.Context, claims *tokens.Claims, purpose string, metadata json.RawMessage, initialMessage string) (*Session, *Message, error) {
	defer s.db.Track("sessions.create")()

	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		return nil, nil, scerrors.New(scerrors.ErrInvalidInput, "purpose is required")
	}
	if utf8.RuneCountInString(purpose) > maxPurposeChars {
		return nil, nil, scerrors.Newf(scerrors.ErrInvalidInput, "purpose exceeds %d characters", maxPurposeChars)
	}
	meta, err := normalizeMetadata(metadata)
	if err != nil {
		return nil, nil, err
	}
	if initialMessage != "" {
		if initialMessage, err = s.sanitizeContent(initialMessage); err != nil {
			return nil, nil, err
		}
	}

	id, err := newSessionID()
	if err != nil {
		return nil, nil, scerrors.Wrap(scerrors.ErrInternal, "generating session id", err)
	}

	nowMs := s.now().UnixMilli()
	sess := &Session{
		ID:        id,
		Purpose:   purpose,
		CreatedBy: claims.AgentID,
		CreatedAt: time.UnixMilli(nowMs).UTC(),
		UpdatedAt: time.UnixMilli(nowMs).UTC(),
		IsActive:  true,
		Metadata:  meta,
	}

	var first *Message
	err = s.bus.PublishAfter(sess.ID, func() ([]notify.Event, error) {
		err := s.db.WriteTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO sessions (id, purpose, created_at, updated_at, is_active, created_by, metadata)
				 VALUES (?, ?, ?, ?, 1, ?, ?)`,
				sess.ID, sess.Purpose, nowMs, nowMs, sess.CreatedBy, nullableJSON(meta))
			if err != nil {
				return scerrors.Wrap(scerrors.ErrStorageUnavailable, "inserting session", err)
			}
			if initialMessage != "" {
				first, err = s.insertMessage(ctx, tx, claims, AddMessageParams{
					SessionID:  sess.ID,
					Content:    initialMessage,
					Visibility: VisibilityPublic,
				})
				return err
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if first == nil {
			return nil, nil
		}
		return []notify.Event{messageAddedEvent(first)}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Infow("session created", "session_id", sess.ID, "created_by", claims.AgentID)
	return sess, first, nil
}

// GetSession returns the session with aggregate activity figures. The counts
// cover all messages regardless of visibility; only contents are protected.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Summary, error) {
	defer s.db.Track("sessions.get")()

	sess, err := s.fetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Session: *sess}
	var lastMs sql.NullInt64
	err = s.db.DB().QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT sender), MAX(timestamp) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&summary.MessageCount, &summary.ParticipantCount, &lastMs)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "aggregating session activity", err)
	}
	if lastMs.Valid {
		t := time.UnixMilli(lastMs.Int64).UTC()
		summary.LastActivity = &t
	}
	return summary, nil
}

// AddMessage appends a message to an active session and notifies the
// session's subscribers after commit.
func (s *Store) AddMessage(ctx context.Context, claims *tokens.Claims, params AddMessageParams) (*Message, error) {
	defer s.db.Track("messages.insert")()

	if params.Visibility == VisibilityAdminOnly && !claims.IsAdmin() {
		return nil, scerrors.New(scerrors.ErrVisibilityPermissionDenied,
			"admin_only visibility requires admin permission")
	}
	content, err := s.sanitizeContent(params.Content)
	if err != nil {
		return nil, err
	}
	params.Content = content
	if params.Visibility == "" {
		params.Visibility = VisibilityPublic
	}
	if params.Metadata, err = normalizeMetadata(params.Metadata); err != nil {
		return nil, err
	}

	// The publish-order lock is held across commit and fan-out so subscribers
	// observe message_added ids in commit order.
	var msg *Message
	err = s.bus.PublishAfter(params.SessionID, func() ([]notify.Event, error) {
		err := s.db.WriteTx(ctx, func(tx *sql.Tx) error {
			var ierr error
			msg, ierr = s.insertMessage(ctx, tx, claims, params)
			return ierr
		})
		if err != nil {
			return nil, err
		}
		return []notify.Event{messageAddedEvent(msg)}, nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// insertMessage writes one message inside tx. It verifies the session is
// active, checks threading, assigns a non-decreasing timestamp, and bumps the
// session's updated_at.
func (s *Store) insertMessage(ctx context.Context, tx *sql.Tx, claims *tokens.Claims, params AddMessageParams) (*Message, error) {
	var active int
	err := tx.QueryRowContext(ctx, `SELECT is_active FROM sessions WHERE id = ?`, params.SessionID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(params.SessionID)
	}
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "looking up session", err)
	}
	if active == 0 {
		return nil, scerrors.Newf(scerrors.ErrSessionInactive, "session %s is inactive", params.SessionID).
			With("session_id", params.SessionID)
	}

	if params.ParentMessageID != nil {
		var parentSession string
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM messages WHERE id = ?`, *params.ParentMessageID).
			Scan(&parentSession)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && parentSession != params.SessionID) {
			return nil, scerrors.Newf(scerrors.ErrInvalidInput,
				"parent_message_id %d does not reference a message in this session", *params.ParentMessageID)
		}
		if err != nil {
			return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "looking up parent message", err)
		}
	}

	// Wall clocks can step backwards; session timestamps must not.
	var lastMs sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM messages WHERE session_id = ?`, params.SessionID).Scan(&lastMs); err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "reading session clock", err)
	}
	ts := s.now().UnixMilli()
	if lastMs.Valid && lastMs.Int64 > ts {
		ts = lastMs.Int64
	}

	messageType := params.MessageType
	if messageType == "" {
		messageType = DefaultMessageType
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender, sender_type, content, visibility, message_type, metadata, timestamp, parent_message_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		params.SessionID, claims.AgentID, claims.AgentType, params.Content,
		string(params.Visibility), messageType, nullableJSON(params.Metadata), ts, params.ParentMessageID)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "inserting message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "reading message id", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = MAX(updated_at, ?) WHERE id = ?`, ts, params.SessionID); err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "touching session", err)
	}

	return &Message{
		ID:              id,
		SessionID:       params.SessionID,
		Sender:          claims.AgentID,
		SenderType:      claims.AgentType,
		Content:         params.Content,
		Visibility:      params.Visibility,
		MessageType:     messageType,
		Metadata:        params.Metadata,
		Timestamp:       time.UnixMilli(ts).UTC(),
		ParentMessageID: params.ParentMessageID,
	}, nil
}

// GetMessagesParams carries the get_messages inputs.
type GetMessagesParams struct {
	SessionID string
	Limit     int
	Offset    int

	// VisibilityFilter restricts results to one class among those the caller
	// is already allowed to see. Nil means no restriction.
	VisibilityFilter *Visibility
}

// GetMessages returns the caller-visible slice of a session's log in
// ascending id order. Visibility is enforced in the query itself; rows the
// caller may not read never leave the database layer.
func (s *Store) GetMessages(ctx context.Context, claims *tokens.Claims, params GetMessagesParams) ([]Message, error) {
	defer s.db.Track("messages.list")()

	if _, err := s.fetchSession(ctx, params.SessionID); err != nil {
		return nil, err
	}

	limit := params.Limit
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT id, session_id, sender, sender_type, content, visibility, message_type, metadata, timestamp, parent_message_id
		 FROM messages WHERE session_id = ? AND ` + visibilityPredicate
	args := []any{params.SessionID, claims.AgentID, claims.AgentType, claims.IsAdmin()}
	if params.VisibilityFilter != nil {
		query += ` AND visibility = ?`
		args = append(args, string(*params.VisibilityFilter))
	}
	query += ` ORDER BY id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "listing messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// visibilityPredicate is the shared read-path filter. Placeholders bind, in
// order: caller agent id, caller agent type, caller admin flag.
const visibilityPredicate = `(visibility = 'public'
		OR (visibility = 'private' AND sender = ?)
		OR (visibility = 'agent_only' AND sender_type = ?)
		OR (visibility = 'admin_only' AND ?))`

// VisibleMessages returns every message of the session the caller may read,
// ascending by id. It pages through the log one maxMessageLimit chunk at a
// time so sessions longer than a single page stay fully searchable.
func (s *Store) VisibleMessages(ctx context.Context, claims *tokens.Claims, sessionID string) ([]Message, error) {
	var out []Message
	for offset := 0; ; offset += maxMessageLimit {
		page, err := s.GetMessages(ctx, claims, GetMessagesParams{
			SessionID: sessionID,
			Limit:     maxMessageLimit,
			Offset:    offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < maxMessageLimit {
			return out, nil
		}
	}
}

// MessagesSince returns caller-visible messages with id greater than afterID,
// ascending, at most limit rows. Used for reconnect replay.
func (s *Store) MessagesSince(ctx context.Context, claims *tokens.Claims, sessionID string, afterID int64, limit int) ([]Message, error) {
	defer s.db.Track("messages.since")()

	if limit <= 0 || limit > maxMessageLimit {
		limit = defaultMessageLimit
	}
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT id, session_id, sender, sender_type, content, visibility, message_type, metadata, timestamp, parent_message_id
		 FROM messages WHERE session_id = ? AND id > ? AND `+visibilityPredicate+
			` ORDER BY id ASC LIMIT ?`,
		sessionID, afterID, claims.AgentID, claims.AgentType, claims.IsAdmin(), limit)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "replaying messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// SetVisibility reclassifies one message. Admin only; the change is audit
// logged and announced to the session.
func (s *Store) SetVisibility(ctx context.Context, claims *tokens.Claims, messageID int64, visibility Visibility) error {
	defer s.db.Track("messages.set_visibility")()

	if !claims.IsAdmin() {
		return scerrors.New(scerrors.ErrPermissionDenied, "changing message visibility requires admin permission")
	}

	var sessionID string
	err := s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT session_id FROM messages WHERE id = ?`, messageID).Scan(&sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return scerrors.Newf(scerrors.ErrInvalidInput, "message %d not found", messageID)
		}
		if err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "looking up message", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET visibility = ? WHERE id = ?`, string(visibility), messageID); err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "updating visibility", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Infow("message visibility changed",
		"message_id", messageID, "visibility", visibility, "changed_by", claims.AgentID)
	s.bus.Publish(sessionID, notify.Event{
		Type:      notify.EventSessionUpdated,
		SessionID: sessionID,
		MessageID: messageID,
		Timestamp: s.now().UTC(),
	})
	return nil
}

// Deactivate retires a session. Inactive sessions accept reads but no new
// messages; there is no reactivation.
func (s *Store) Deactivate(ctx context.Context, claims *tokens.Claims, sessionID string) error {
	defer s.db.Track("sessions.deactivate")()

	err := s.db.WriteTx(ctx, func(tx *sql.Tx) error {
		var createdBy string
		err := tx.QueryRowContext(ctx, `SELECT created_by FROM sessions WHERE id = ?`, sessionID).Scan(&createdBy)
		if errors.Is(err, sql.ErrNoRows) {
			return sessionNotFound(sessionID)
		}
		if err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "looking up session", err)
		}
		if createdBy != claims.AgentID && !claims.IsAdmin() {
			return scerrors.New(scerrors.ErrPermissionDenied, "only the session creator or an admin may deactivate it")
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET is_active = 0, updated_at = ? WHERE id = ?`,
			s.now().UnixMilli(), sessionID)
		if err != nil {
			return scerrors.Wrap(scerrors.ErrStorageUnavailable, "deactivating session", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Infow("session deactivated", "session_id", sessionID, "by", claims.AgentID)
	s.bus.Publish(sessionID, notify.Event{
		Type:      notify.EventSessionUpdated,
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
	})
	return nil
}

// LastMessageID returns the highest message id in the session, or zero for
// an empty session. Cache layers use it as a cheap change marker.
func (s *Store) LastMessageID(ctx context.Context, sessionID string) (int64, error) {
	var last sql.NullInt64
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT MAX(id) FROM messages WHERE session_id = ?`, sessionID).Scan(&last)
	if err != nil {
		return 0, scerrors.Wrap(scerrors.ErrStorageUnavailable, "reading last message id", err)
	}
	return last.Int64, nil
}

// ActiveSessionCount returns the number of active sessions.
func (s *Store) ActiveSessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE is_active = 1`).Scan(&n)
	if err != nil {
		return 0, scerrors.Wrap(scerrors.ErrStorageUnavailable, "counting sessions", err)
	}
	return n, nil
}

func (s *Store) fetchSession(ctx context.Context, sessionID string) (*Session, error) {
	var (
		sess               Session
		createdMs, updated int64
		active             int
		meta               sql.NullString
	)
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT id, purpose, created_at, updated_at, is_active, created_by, metadata FROM sessions WHERE id = ?`,
		sessionID).Scan(&sess.ID, &sess.Purpose, &createdMs, &updated, &active, &sess.CreatedBy, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessionNotFound(sessionID)
	}
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "fetching session", err)
	}
	sess.CreatedAt = time.UnixMilli(createdMs).UTC()
	sess.UpdatedAt = time.UnixMilli(updated).UTC()
	sess.IsActive = active != 0
	if meta.Valid {
		sess.Metadata = json.RawMessage(meta.String)
	}
	return &sess, nil
}

func messageAddedEvent(msg *Message) notify.Event {
	return notify.Event{
		Type:       notify.EventMessageAdded,
		SessionID:  msg.SessionID,
		MessageID:  msg.ID,
		Sender:     msg.Sender,
		SenderType: msg.SenderType,
		Visibility: string(msg.Visibility),
		Timestamp:  msg.Timestamp,
	}
}

// CanReadEvent mirrors visibilityPredicate for live events: whether the
// caller would be allowed to read the message an event announces. Delivery
// paths redact events this denies.
func CanReadEvent(claims *tokens.Claims, ev notify.Event) bool {
	switch Visibility(ev.Visibility) {
	case VisibilityPublic, "":
		return true
	case VisibilityPrivate:
		return claims != nil && claims.AgentID != "" && ev.Sender == claims.AgentID
	case VisibilityAgentOnly:
		return claims != nil && claims.AgentType != "" && ev.SenderType == claims.AgentType
	case VisibilityAdminOnly:
		return claims != nil && claims.IsAdmin()
	default:
		return false
	}
}

// sanitizeContent strips NUL bytes, trims surrounding whitespace, and
// enforces the content length bound.
func (s *Store) sanitizeContent(content string) (string, error) {
	content = strings.ReplaceAll(content, "\x00", "")
	content = strings.TrimSpace(content)
	if content == "" {
		return "", scerrors.New(scerrors.ErrInvalidInput, "content is empty after sanitization")
	}
	if n := utf8.RuneCountInString(content); n > s.maxContentChars {
		return "", scerrors.Newf(scerrors.ErrContentTooLarge, "content exceeds %d characters", s.maxContentChars).
			With("length", n).With("max_length", s.maxContentChars)
	}
	return content, nil
}

// normalizeMetadata checks that metadata, when present, is a JSON object
// within the size bound and returns it compacted.
func normalizeMetadata(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if len(raw) > maxMetadataBytes {
		return nil, scerrors.Newf(scerrors.ErrInvalidInput, "metadata exceeds %d bytes", maxMetadataBytes)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInvalidInput, "metadata must be a JSON object", err)
	}
	compact, err := json.Marshal(obj)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInvalidInput, "metadata must be a JSON object", err)
	}
	return compact, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			msg    Message
			tsMs   int64
			meta   sql.NullString
			parent sql.NullInt64
			vis    string
		)
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.SenderType, &msg.Content,
			&vis, &msg.MessageType, &meta, &tsMs, &parent); err != nil {
			return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "scanning message", err)
		}
		msg.Visibility = Visibility(vis)
		msg.Timestamp = time.UnixMilli(tsMs).UTC()
		if meta.Valid {
			msg.Metadata = json.RawMessage(meta.String)
		}
		if parent.Valid {
			id := parent.Int64
			msg.ParentMessageID = &id
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, scerrors.Wrap(scerrors.ErrStorageUnavailable, "iterating messages", err)
	}
	return out, nil
}

func sessionNotFound(sessionID string) error {
	return scerrors.Newf(scerrors.ErrSessionNotFound, "session %s not found", sessionID).
		With("session_id", sessionID).
		WithSuggestions("verify the session id", "create a new session with create_session")
}

func newSessionID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading entropy: %w", err)
	}
	return "session_" + hex.EncodeToString(buf), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
