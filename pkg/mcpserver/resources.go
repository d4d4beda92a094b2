// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/memory"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/tokens"
	"github.com/stacklok/shared-context-server/pkg/versions"
)

func (s *Server) registerResources() {
	s.mcp.AddResource(mcp.NewResource(
		"server://info", "Server information",
		mcp.WithResourceDescription("Server name, version, and capability summary"),
		mcp.WithMIMEType("application/json"),
	), s.handleServerInfo)

	s.mcp.AddResource(mcp.NewResource(
		"docs://tools", "Tool catalog",
		mcp.WithResourceDescription("Names and descriptions of every registered tool"),
		mcp.WithMIMEType("application/json"),
	), s.handleToolCatalog)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"session://{session_id}", "Session view",
		mcp.WithTemplateDescription("Session summary with activity counts"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.handleSessionResource)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"session://{session_id}/messages/{limit}", "Session messages",
		mcp.WithTemplateDescription("Messages visible to the caller, oldest first; "+
			"append ?auth_token=... for the private projection"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.handleSessionMessagesResource)

	s.mcp.AddResourceTemplate(mcp.NewResourceTemplate(
		"agent://{agent_id}/memory", "Agent memory",
		mcp.WithTemplateDescription("Memory listing for the authenticated agent; requires ?auth_token=... "+
			"matching the agent_id"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.handleAgentMemoryResource)
}

// resourceClaims resolves the optional ?auth_token= suffix of a resource URI.
// Without a valid token the caller gets the anonymous projection: an identity
// that matches no private, agent_only, or admin_only rows.
func (s *Server) resourceClaims(ctx context.Context, raw string) (tokens.Claims, string) {
	uri := raw
	var claims tokens.Claims
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		uri = raw[:i]
		if query, err := url.ParseQuery(raw[i+1:]); err == nil {
			if tok := query.Get("auth_token"); tok != "" {
				if parsed, err := tokens.ParseProtectedToken(tok); err == nil {
					if resolved, err := s.vault.Validate(ctx, parsed); err == nil {
						claims = resolved
					}
				}
			}
		}
	}
	return claims, uri
}

func (s *Server) handleServerInfo(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	info := versions.GetVersionInfo()
	return jsonResource(req.Params.URI, map[string]any{
		"name":       serverName,
		"version":    info.Version,
		"commit":     info.Commit,
		"go_version": info.GoVersion,
		"platform":   info.Platform,
		"tools":      len(s.toolDefs()) + 2,
		"transports": []string{"stdio", "http"},
	})
}

func (s *Server) handleToolCatalog(_ context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	type entry struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	var catalog []entry
	for _, tool := range []mcp.Tool{s.authenticateAgentTool(), s.refreshTokenTool()} {
		catalog = append(catalog, entry{tool.Name, tool.Description})
	}
	for _, def := range s.toolDefs() {
		catalog = append(catalog, entry{def.tool.Name, def.tool.Description})
	}
	return jsonResource(req.Params.URI, map[string]any{"tools": catalog})
}

func (s *Server) handleSessionResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	_, uri := s.resourceClaims(ctx, req.Params.URI)
	sessionID := strings.TrimPrefix(uri, "session://")
	if sessionID == "" || strings.Contains(sessionID, "/") {
		return nil, scerrors.Newf(scerrors.ErrInvalidInput, "malformed session resource URI %q", uri)
	}

	summary, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, summary)
}

func (s *Server) handleSessionMessagesResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	claims, uri := s.resourceClaims(ctx, req.Params.URI)

	trimmed := strings.TrimPrefix(uri, "session://")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[1] != "messages" {
		return nil, scerrors.Newf(scerrors.ErrInvalidInput, "malformed messages resource URI %q", uri)
	}
	limit, err := strconv.Atoi(parts[2])
	if err != nil || limit < 0 {
		return nil, scerrors.Newf(scerrors.ErrInvalidInput, "invalid limit %q", parts[2])
	}

	msgs, err := s.sessions.GetMessages(ctx, &claims, session.GetMessagesParams{
		SessionID: parts[0],
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, map[string]any{"count": len(msgs), "messages": msgs})
}

func (s *Server) handleAgentMemoryResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	claims, uri := s.resourceClaims(ctx, req.Params.URI)

	trimmed := strings.TrimPrefix(uri, "agent://")
	agentID, ok := strings.CutSuffix(trimmed, "/memory")
	if !ok || agentID == "" {
		return nil, scerrors.Newf(scerrors.ErrInvalidInput, "malformed memory resource URI %q", uri)
	}
	if claims.AgentID == "" || claims.AgentID != agentID {
		return nil, scerrors.New(scerrors.ErrPermissionDenied,
			"memory resources are readable only by the agent that owns them")
	}

	entries, err := s.memory.List(ctx, &claims, memory.ListParams{})
	if err != nil {
		return nil, err
	}
	usage, err := s.memory.Usage(ctx, claims.AgentID)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, map[string]any{
		"agent_id": agentID,
		"count":    len(entries),
		"entries":  entries,
		"usage":    usage,
	})
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInternal, "encoding resource", err)
	}
	return []mcp.ResourceContents{mcp.TextResourceContents{
		URI:      uri,
		MIMEType: "application/json",
		Text:     string(payload),
	}}, nil
}
