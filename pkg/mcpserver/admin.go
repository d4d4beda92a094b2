// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/shared-context-server/pkg/observability"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func (s *Server) usageGuidanceTool() mcp.Tool {
	return mcp.NewTool("get_usage_guidance",
		mcp.WithDescription("Describe what your token lets you do: access level, permissions, "+
			"and the tool names available to you."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token")),
	)
}

func (s *Server) handleUsageGuidance(_ context.Context, _ mcp.CallToolRequest, claims tokens.Claims) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"success":  true,
		"guidance": observability.UsageGuidance(&claims),
	})
}

func (s *Server) performanceMetricsTool() mcp.Tool {
	return mcp.NewTool("get_performance_metrics",
		mcp.WithDescription("Server performance snapshot: connection pool, query latencies, caches, "+
			"subscribers, and token vault activity. Requires admin or debug."),
		mcp.WithString("auth_token", mcp.Required(), mcp.Description("Protected agent token with admin or debug permission")),
	)
}

func (s *Server) handlePerformanceMetrics(ctx context.Context, _ mcp.CallToolRequest, _ tokens.Claims) (*mcp.CallToolResult, error) {
	snapshot, err := s.collector.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"success": true, "metrics": snapshot})
}
