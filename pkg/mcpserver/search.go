// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/search"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func (s *Server) searchContextTool() mcp.Tool {
	return mcp.NewTool("search_context",
		mcp.WithDescription("Fuzzy-search the messages you can see in a session. "+
			"Scores are 0-100 token-set similarity; results are ordered score desc, newest first on ties."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to search")),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search text, at least 3 characters")),
		mcp.WithNumber("fuzzy_threshold", mcp.Description("Minimum score 0-100 (default 60)")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10, max 100)")),
		mcp.WithString("search_scope",
			mcp.Description("all (content only, default) or sender_and_content"),
			mcp.Enum("all", "sender_and_content")),
	)
}

func (s *Server) handleSearchContext(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	query, err := req.RequireString("query")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "query is required")
	}

	results, err := s.search.SearchContext(ctx, &claims, search.Params{
		SessionID: sessionID,
		Query:     query,
		Threshold: req.GetFloat("fuzzy_threshold", 0),
		Limit:     req.GetInt("limit", 0),
		Scope:     req.GetString("search_scope", ""),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "count": len(results), "results": results})
}

func (s *Server) searchBySenderTool() mcp.Tool {
	return mcp.NewTool("search_by_sender",
		mcp.WithDescription("Find messages from senders matching a name. "+
			"Names are canonicalized (lowercase, separators collapsed to '-'); exact matches win over fuzzy ones."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to search")),
		mcp.WithString("sender_query", mcp.Required(), mcp.Description("Sender name or fragment")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10, max 100)")),
	)
}

func (s *Server) handleSearchBySender(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	senderQuery, err := req.RequireString("sender_query")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "sender_query is required")
	}

	results, err := s.search.SearchBySender(ctx, &claims, sessionID, senderQuery, req.GetInt("limit", 0))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "count": len(results), "results": results})
}

func (s *Server) searchByTimerangeTool() mcp.Tool {
	return mcp.NewTool("search_by_timerange",
		mcp.WithDescription("List the messages you can see inside a half-open time interval [start, end)."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to search")),
		mcp.WithString("start", mcp.Required(), mcp.Description("Interval start, RFC 3339")),
		mcp.WithString("end", mcp.Description("Interval end, RFC 3339; defaults to now")),
		mcp.WithNumber("limit", mcp.Description("Maximum results (default 10, max 100)")),
	)
}

func (s *Server) handleSearchByTimerange(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	sessionID, err := req.RequireString("session_id")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "session_id is required")
	}
	rawStart, err := req.RequireString("start")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "start is required")
	}
	start, err := time.Parse(time.RFC3339, rawStart)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInvalidInputFormat, "start must be RFC 3339", err)
	}
	var end time.Time
	if rawEnd := req.GetString("end", ""); rawEnd != "" {
		if end, err = time.Parse(time.RFC3339, rawEnd); err != nil {
			return nil, scerrors.Wrap(scerrors.ErrInvalidInputFormat, "end must be RFC 3339", err)
		}
	}

	msgs, err := s.search.SearchByTimeRange(ctx, &claims, sessionID, start, end, req.GetInt("limit", 0))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "count": len(msgs), "messages": msgs})
}
