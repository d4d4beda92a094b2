// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session implements the session lifecycle and the append-only,
// visibility-classed message log at the heart of the coordination engine.
package session

import (
	"encoding/json"
	"time"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
)

// Visibility classifies who may read a message.
type Visibility string

// Visibility classes.
const (
	VisibilityPublic    Visibility = "public"
	VisibilityPrivate   Visibility = "private"
	VisibilityAgentOnly Visibility = "agent_only"
	VisibilityAdminOnly Visibility = "admin_only"
)

// ParseVisibility validates a wire visibility string; empty means public.
func ParseVisibility(s string) (Visibility, error) {
	switch Visibility(s) {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityPrivate, VisibilityAgentOnly, VisibilityAdminOnly:
		return Visibility(s), nil
	default:
		return "", scerrors.Newf(scerrors.ErrInvalidInput, "unknown visibility %q", s).
			With("allowed", []string{"public", "private", "agent_only", "admin_only"})
	}
}

// DefaultMessageType is used when the caller does not set message_type.
const DefaultMessageType = "agent_response"

// Session is a bounded conversation scope.
type Session struct {
	ID        string          `json:"id"`
	Purpose   string          `json:"purpose"`
	CreatedBy string          `json:"created_by"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	IsActive  bool            `json:"is_active"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Summary is the session view returned by get_session.
type Summary struct {
	Session
	MessageCount     int        `json:"message_count"`
	ParticipantCount int        `json:"participant_count"`
	LastActivity     *time.Time `json:"last_activity,omitempty"`
}

// Message is an immutable entry in a session's log.
type Message struct {
	ID              int64           `json:"id"`
	SessionID       string          `json:"session_id"`
	Sender          string          `json:"sender"`
	SenderType      string          `json:"sender_type"`
	Content         string          `json:"content"`
	Visibility      Visibility      `json:"visibility"`
	MessageType     string          `json:"message_type"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	ParentMessageID *int64          `json:"parent_message_id,omitempty"`
}

// AddMessageParams carries the add_message inputs.
type AddMessageParams struct {
	SessionID       string
	Content         string
	Visibility      Visibility
	MessageType     string
	Metadata        json.RawMessage
	ParentMessageID *int64
}
