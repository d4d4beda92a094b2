// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/memory"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func (s *Server) setMemoryTool() mcp.Tool {
	return mcp.NewTool("set_memory",
		mcp.WithDescription("Store a private value under a key. Visible only to your agent identity; "+
			"optionally scoped to a session and expiring after a TTL."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("key", mcp.Required(),
			mcp.Description("Key name: letters, digits, '_', '-', '.', up to 128 chars")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Value, up to 1 MiB")),
		mcp.WithString("session_id", mcp.Description("Scope the entry to one session; omit for global")),
		mcp.WithNumber("ttl_seconds", mcp.Description("Seconds until expiry; omit for no expiry")),
		mcp.WithObject("metadata", mcp.Description("Optional JSON object attached to the entry")),
		mcp.WithBoolean("overwrite", mcp.Description("Replace an existing key (default true)")),
	)
}

func (s *Server) handleSetMemory(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "key is required")
	}
	value, err := req.RequireString("value")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "value is required")
	}
	metadata, err := metadataArg(req, "metadata")
	if err != nil {
		return nil, err
	}

	err = s.memory.Set(ctx, &claims, memory.SetParams{
		Key:       key,
		Value:     value,
		SessionID: req.GetString("session_id", ""),
		Metadata:  metadata,
		TTL:       time.Duration(req.GetInt("ttl_seconds", 0)) * time.Second,
		Overwrite: req.GetBool("overwrite", true),
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "key": key, "stored_bytes": len(value)})
}

func (s *Server) getMemoryTool() mcp.Tool {
	return mcp.NewTool("get_memory",
		mcp.WithDescription("Read one of your stored values. Session-scoped lookups fall back to "+
			"your global scope only when fallback is true."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key to read")),
		mcp.WithString("session_id", mcp.Description("Session scope; omit for global")),
		mcp.WithBoolean("fallback", mcp.Description("Fall back to the global scope on a session miss (default false)")),
	)
}

func (s *Server) handleGetMemory(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "key is required")
	}

	entry, err := s.memory.Get(ctx, &claims, key,
		req.GetString("session_id", ""), req.GetBool("fallback", false))
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "entry": entry})
}

func (s *Server) listMemoryTool() mcp.Tool {
	return mcp.NewTool("list_memory",
		mcp.WithDescription("List your stored keys, optionally filtered by scope and key prefix."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("session_id", mcp.Description("List only entries scoped to this session")),
		mcp.WithBoolean("global_only", mcp.Description("List only globally scoped entries")),
		mcp.WithString("prefix", mcp.Description("Key prefix filter")),
		mcp.WithNumber("limit", mcp.Description("Maximum entries (default 50, max 500)")),
	)
}

func (s *Server) handleListMemory(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	entries, err := s.memory.List(ctx, &claims, memory.ListParams{
		SessionID:  req.GetString("session_id", ""),
		GlobalOnly: req.GetBool("global_only", false),
		Prefix:     req.GetString("prefix", ""),
		Limit:      req.GetInt("limit", 0),
	})
	if err != nil {
		return nil, err
	}

	usage, err := s.memory.Usage(ctx, claims.AgentID)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"success": true,
		"count":   len(entries),
		"entries": entries,
		"usage":   usage,
	})
}

func (s *Server) deleteMemoryTool() mcp.Tool {
	return mcp.NewTool("delete_memory",
		mcp.WithDescription("Delete one of your stored values from the given scope."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
		mcp.WithString("key", mcp.Required(), mcp.Description("Key to delete")),
		mcp.WithString("session_id", mcp.Description("Session scope; omit for global")),
	)
}

func (s *Server) handleDeleteMemory(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return nil, scerrors.New(scerrors.ErrInvalidInput, "key is required")
	}
	if err := s.memory.Delete(ctx, &claims, key, req.GetString("session_id", "")); err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "key": key})
}
