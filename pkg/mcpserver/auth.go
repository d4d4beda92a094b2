// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func (s *Server) authenticateAgentTool() mcp.Tool {
	return mcp.NewTool("authenticate_agent",
		mcp.WithDescription("Exchange the transport API key for a protected agent token. "+
			"Elevated permissions (admin, debug) require the admin API key; with the standard key they are silently dropped."),
		mcp.WithString("agent_id", mcp.Required(),
			mcp.Description("Stable agent identity, 1-128 printable characters without whitespace")),
		mcp.WithString("agent_type", mcp.Required(),
			mcp.Description("One of claude, admin, system, generic; unknown values become generic")),
		mcp.WithString("api_key", mcp.Required(),
			mcp.Description("Transport-level API key (or admin API key for elevated permissions)")),
		mcp.WithArray("requested_permissions",
			mcp.Description("Permissions to request; defaults to [read, write]"),
			mcp.Items(map[string]any{"type": "string"})),
	)
}

func (s *Server) handleAuthenticateAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return errorResult(scerrors.New(scerrors.ErrInvalidInput, "agent_id is required")), nil
	}
	agentType, err := req.RequireString("agent_type")
	if err != nil {
		return errorResult(scerrors.New(scerrors.ErrInvalidInput, "agent_type is required")), nil
	}
	apiKey, err := req.RequireString("api_key")
	if err != nil {
		return errorResult(scerrors.New(scerrors.ErrInvalidInput, "api_key is required")), nil
	}
	requested := req.GetStringSlice("requested_permissions", nil)

	token, claims, err := s.vault.Authenticate(ctx, agentID, agentType, apiKey, requested)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(tokenResponse(token, claims))
}

func (s *Server) refreshTokenTool() mcp.Tool {
	return mcp.NewTool("refresh_token",
		mcp.WithDescription("Atomically exchange a valid protected token for a fresh one. "+
			"The old token stops validating the moment the new one exists."),
		mcp.WithString("current_token", mcp.Required(),
			mcp.Description("The protected token to refresh (sct_... format)")),
	)
}

func (s *Server) handleRefreshToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := req.RequireString("current_token")
	if err != nil {
		return errorResult(scerrors.New(scerrors.ErrInvalidInput, "current_token is required")), nil
	}
	token, err := tokens.ParseProtectedToken(raw)
	if err != nil {
		return errorResult(err), nil
	}

	fresh, claims, err := s.vault.Refresh(ctx, token)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(tokenResponse(fresh, claims))
}

func tokenResponse(token tokens.ProtectedToken, claims tokens.Claims) map[string]any {
	perms := make([]string, 0, len(claims.Permissions))
	for _, p := range claims.Permissions {
		perms = append(perms, string(p))
	}
	return map[string]any{
		"success":     true,
		"token":       token.String(),
		"agent_id":    claims.AgentID,
		"agent_type":  claims.AgentType,
		"permissions": perms,
		"issued_at":   claims.IssuedAt.UTC().Format(time.RFC3339),
		"expires_at":  claims.ExpiresAt.UTC().Format(time.RFC3339),
	}
}
