// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver exposes the coordination engine over MCP: the tool
// registry with its auth gate, the resource templates, and the prompts.
// Transports deliver requests here; this package never touches sockets.
package mcpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/memory"
	"github.com/stacklok/shared-context-server/pkg/observability"
	"github.com/stacklok/shared-context-server/pkg/search"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/tokens"
	"github.com/stacklok/shared-context-server/pkg/versions"
)

const (
	serverName = "shared-context-server"

	defaultRequestTimeout = 30 * time.Second
)

// Config wires the MCP surface to the engine components.
type Config struct {
	Vault     *tokens.Vault
	Sessions  *session.Store
	Memory    *memory.Store
	Search    *search.Engine
	Collector *observability.Collector

	// RequestTimeout bounds a single tool invocation; non-positive selects
	// the 30 s default.
	RequestTimeout time.Duration
}

// Server owns the MCP registry.
type Server struct {
	mcp       *server.MCPServer
	vault     *tokens.Vault
	sessions  *session.Store
	memory    *memory.Store
	search    *search.Engine
	collector *observability.Collector
	timeout   time.Duration
}

// gate decides whether resolved claims may invoke a tool.
type gate func(tokens.Claims) error

// needs builds a gate for a single required permission.
func needs(required tokens.Permission) gate {
	return func(claims tokens.Claims) error {
		if !claims.Has(required) {
			return scerrors.Newf(scerrors.ErrPermissionDenied, "this tool requires the %s permission", required)
		}
		return nil
	}
}

// toolDef binds a tool schema to its gate and handler.
type toolDef struct {
	tool    mcp.Tool
	gate    gate
	handler func(ctx context.Context, req mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error)
}

// New builds the MCP server and registers every tool, resource, and prompt.
func New(cfg Config) *Server {
	s := &Server{
		vault:     cfg.Vault,
		sessions:  cfg.Sessions,
		memory:    cfg.Memory,
		search:    cfg.Search,
		collector: cfg.Collector,
		timeout:   cfg.RequestTimeout,
	}
	if s.timeout <= 0 {
		s.timeout = defaultRequestTimeout
	}

	s.mcp = server.NewMCPServer(
		serverName,
		versions.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithRecovery(),
	)

	// Token minting runs before any claims exist, so these two bypass the
	// auth gate.
	s.mcp.AddTool(s.authenticateAgentTool(), s.timed(s.handleAuthenticateAgent))
	s.mcp.AddTool(s.refreshTokenTool(), s.timed(s.handleRefreshToken))

	for _, def := range s.toolDefs() {
		s.mcp.AddTool(def.tool, s.withAuth(def.gate, def.handler))
	}
	s.registerResources()
	s.registerPrompts()
	return s
}

// toolDefs lists every authenticated tool in the order they appear in the
// catalog.
func (s *Server) toolDefs() []toolDef {
	return []toolDef{
		{s.createSessionTool(), needs(tokens.PermissionWrite), s.handleCreateSession},
		{s.getSessionTool(), needs(tokens.PermissionRead), s.handleGetSession},
		{s.addMessageTool(), needs(tokens.PermissionWrite), s.handleAddMessage},
		{s.getMessagesTool(), needs(tokens.PermissionRead), s.handleGetMessages},
		{s.searchContextTool(), needs(tokens.PermissionRead), s.handleSearchContext},
		{s.searchBySenderTool(), needs(tokens.PermissionRead), s.handleSearchBySender},
		{s.searchByTimerangeTool(), needs(tokens.PermissionRead), s.handleSearchByTimerange},
		{s.setMemoryTool(), needs(tokens.PermissionWrite), s.handleSetMemory},
		{s.getMemoryTool(), needs(tokens.PermissionRead), s.handleGetMemory},
		{s.listMemoryTool(), needs(tokens.PermissionRead), s.handleListMemory},
		{s.deleteMemoryTool(), needs(tokens.PermissionWrite), s.handleDeleteMemory},
		{s.setMessageVisibilityTool(), needs(tokens.PermissionAdmin), s.handleSetMessageVisibility},
		{s.deactivateSessionTool(), needs(tokens.PermissionWrite), s.handleDeactivateSession},
		{s.usageGuidanceTool(), needs(tokens.PermissionRead), s.handleUsageGuidance},
		{s.performanceMetricsTool(), observability.RequireDebug, s.handlePerformanceMetrics},
	}
}

// MCP returns the underlying server for transport adapters.
func (s *Server) MCP() *server.MCPServer {
	return s.mcp
}

// withAuth resolves auth_token to claims, applies the tool's gate, and
// converts engine errors into the structured error envelope.
func (s *Server) withAuth(g gate, h func(context.Context, mcp.CallToolRequest, tokens.Claims) (*mcp.CallToolResult, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		raw, err := req.RequireString("auth_token")
		if err != nil {
			return errorResult(scerrors.New(scerrors.ErrInvalidInput, "auth_token is required")), nil
		}
		token, err := tokens.ParseProtectedToken(raw)
		if err != nil {
			return errorResult(err), nil
		}
		claims, err := s.vault.Validate(ctx, token)
		if err != nil {
			return errorResult(err), nil
		}
		if err := g(claims); err != nil {
			logger.Warnw("tool denied", "tool", req.Params.Name, "agent_id", claims.AgentID)
			return errorResult(err), nil
		}

		result, err := h(ctx, req, claims)
		if err != nil {
			return errorResult(err), nil
		}
		return result, nil
	}
}

// timed applies the request deadline to the unauthenticated handlers.
func (s *Server) timed(h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return h(ctx, req)
	}
}

// errorResult renders the error envelope as the tool result. Protocol-level
// errors are reserved for malformed envelopes; engine failures are data.
func errorResult(err error) *mcp.CallToolResult {
	envelope := scerrors.From(err).Envelope()
	payload, merr := json.Marshal(envelope)
	if merr != nil {
		return mcp.NewToolResultError(envelope.Error)
	}
	return mcp.NewToolResultError(string(payload))
}

// jsonResult renders v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInternal, "encoding result", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

// metadataArg extracts an optional JSON object argument by name.
func metadataArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	value, ok := req.GetArguments()[key]
	if !ok || value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, scerrors.Wrap(scerrors.ErrInvalidInput, key+" must be a JSON object", err)
	}
	return raw, nil
}
