// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func (s *Server) createSessionTool() mcp.Tool {
	return mcp.NewTool("create_session",
		mcp.WithDescription("Create a shared context session. Returns the new session id."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("purpose", mcp.Required(),
			mcp.Description("What this session coordinates, up to 500 characters")),
		mcp.WithObject("metadata", mcp.Description("Optional JSON object attached to the session")),
		mcp.WithString("initial_message",
			mcp.Description("Optional first public message, written atomically with the session")),
	)
}

func (s *Server) handleCreateSession(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	purpose, err := req.RequireString("purpose")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "purpose is required")
	}
	metadata, err := metadataArg(req, "metadata")
	if err != nil {
		return nil, err
	}

	sess, first, err := s.sessions.CreateSession(ctx, &claims, purpose, metadata, req.GetString("initial_message", ""))
	if err != nil {
		return nil, err
	}

	response := map[string]any{
		"success":    true,
		"session_id": sess.ID,
		"created_by": sess.CreatedBy,
		"created_at": sess.CreatedAt.Format(time.RFC3339),
	}
	if first != nil {
		response["initial_message_id"] = first.ID
	}
	return jsonResult(response)
}

func (s *Server) getSessionTool() mcp.Tool {
	return mcp.NewTool("get_session",
		mcp.WithDescription("Fetch a session with message count, participant count, and last activity."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to fetch")),
	)
}

func (s *Server) handleGetSession(ctx context.Context, req mcp.CallToolRequest, _ tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	summary, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "session": summary})
}

func (s *Server) addMessageTool() mcp.Tool {
	return mcp.NewTool("add_message",
		mcp.WithDescription("Append a message to an active session. Visibility controls who can read it."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Target session")),
		mcp.WithString("content", mcp.Required(),
			mcp.Description("Message body, up to 10000 characters after sanitization")),
		mcp.WithString("visibility",
			mcp.Description("public (default), private, agent_only, or admin_only"),
			mcp.Enum("public", "private", "agent_only", "admin_only")),
		mcp.WithString("message_type", mcp.Description("Free-form classification; defaults to agent_response")),
		mcp.WithObject("metadata", mcp.Description("Optional JSON object attached to the message")),
		mcp.WithNumber("parent_message_id",
			mcp.Description("Id of the message this replies to; must be in the same session")),
	)
}

func (s *Server) handleAddMessage(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	content, err := req.RequireString("content")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "content is required")
	}
	visibility, err := session.ParseVisibility(req.GetString("visibility", ""))
	if err != nil {
		return nil, err
	}
	metadata, err := metadataArg(req, "metadata")
	if err != nil {
		return nil, err
	}
	var parent *int64
	if id := req.GetInt("parent_message_id", 0); id > 0 {
		v := int64(id)
		parent = &v
	}

	msg, err := s.sessions.AddMessage(ctx, &claims, session.AddMessageParams{
		SessionID:       sessionID,
		Content:         content,
		Visibility:      visibility,
		MessageType:     req.GetString("message_type", ""),
		Metadata:        metadata,
		ParentMessageID: parent,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"success":    true,
		"message_id": msg.ID,
		"timestamp":  msg.Timestamp.Format(time.RFC3339),
		"visibility": msg.Visibility,
	})
}

func (s *Server) getMessagesTool() mcp.Tool {
	return mcp.NewTool("get_messages",
		mcp.WithDescription("List the messages of a session you are allowed to see, oldest first."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to read")),
		mcp.WithNumber("limit", mcp.Description("Maximum messages to return (default 50, max 1000)")),
		mcp.WithNumber("offset", mcp.Description("Messages to skip from the start")),
		mcp.WithString("visibility_filter",
			mcp.Description("Restrict to one visibility class among those you can see"),
			mcp.Enum("public", "private", "agent_only", "admin_only")),
	)
}

func (s *Server) handleGetMessages(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	params := session.GetMessagesParams{
		SessionID: sessionID,
		Limit:     req.GetInt("limit", 0),
		Offset:    req.GetInt("offset", 0),
	}
	if raw := req.GetString("visibility_filter", ""); raw != "" {
		visibility, err := session.ParseVisibility(raw)
		if err != nil {
			return nil, err
		}
		params.VisibilityFilter = &visibility
	}

	msgs, err := s.sessions.GetMessages(ctx, &claims, params)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"success":  true,
		"count":    len(msgs),
		"messages": msgs,
	})
}

func (s *Server) setMessageVisibilityTool() mcp.Tool {
	return mcp.NewTool("set_message_visibility",
		mcp.WithDescription("Reclassify a message's visibility. Admin only; audit logged."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token with admin permission")),
		mcp.WithNumber("message_id", mcp.Required(), mcp.Description("Message to reclassify")),
		mcp.WithString("visibility", mcp.Required(),
			mcp.Description("New visibility class"),
			mcp.Enum("public", "private", "agent_only", "admin_only")),
	)
}

func (s *Server) handleSetMessageVisibility(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	messageID, err := req.RequireInt("message_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "message_id is required")
	}
	raw, err := req.RequireString("visibility")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "visibility is required")
	}
	visibility, err := session.ParseVisibility(raw)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.SetVisibility(ctx, &claims, int64(messageID), visibility); err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "message_id": messageID, "visibility": visibility})
}

func (s *Server) deactivateSessionTool() mcp.Tool {
	return mcp.NewTool("deactivate_session",
		mcp.WithDescription("Retire a session. Only the creator or an admin may do this; "+
			"inactive sessions stay readable but accept no new messages."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to retire")),
	)
}

func (s *Server) handleDeactivateSession(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	if err := s.sessions.Deactivate(ctx, &claims, sessionID); err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "session_id": sessionID, "is_active": false})
}
