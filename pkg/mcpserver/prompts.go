// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("setup-collaboration",
		mcp.WithPromptDescription("Walk an agent through establishing a shared session for multi-agent work"),
		mcp.WithArgument("purpose", mcp.RequiredArgument(),
			mcp.ArgumentDescription("What the agents will coordinate on")),
		mcp.WithArgument("agent_types",
			mcp.ArgumentDescription("Comma-separated agent types expected to join")),
		mcp.WithArgument("project_name",
			mcp.ArgumentDescription("Short project label used in the session purpose")),
	), s.handleSetupCollaboration)

	s.mcp.AddPrompt(mcp.NewPrompt("debug-session",
		mcp.WithPromptDescription("Diagnose a session: activity, participants, and recent messages"),
		mcp.WithArgument("session_id", mcp.RequiredArgument(),
			mcp.ArgumentDescription("Session to inspect")),
	), s.handleDebugSession)
}

func (s *Server) handleSetupCollaboration(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	purpose := req.Params.Arguments["purpose"]
	project := req.Params.Arguments["project_name"]
	agentTypes := req.Params.Arguments["agent_types"]
	if agentTypes == "" {
		agentTypes = "claude"
	}

	label := purpose
	if project != "" {
		label = fmt.Sprintf("[%s] %s", project, purpose)
	}

	text := fmt.Sprintf(`Set up a shared context session for: %s

1. Call authenticate_agent with your agent_id, agent_type (%s), and the transport api_key to obtain a protected token.
2. Call create_session with purpose=%q and pass the token as auth_token. Share the returned session_id with the other agents.
3. Each agent authenticates with its own agent_id and joins by calling add_message on that session_id.
4. Use visibility="public" for shared findings, "private" for personal working notes, and "agent_only" for notes scoped to agents of your type.
5. Persist durable conclusions with set_memory so later sessions can retrieve them, and call refresh_token before long-running work.`,
		label, agentTypes, label)

	return mcp.NewGetPromptResult("Shared session setup",
		[]mcp.PromptMessage{mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text))}), nil
}

func (s *Server) handleDebugSession(_ context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	sessionID := req.Params.Arguments["session_id"]

	text := fmt.Sprintf(`Diagnose session %s:

1. Call get_session with session_id=%q for message count, participant count, and last activity.
2. Call get_messages with a generous limit to review the timeline; check for gaps in parent_message_id threads.
3. Call search_by_timerange around the period in question to narrow down when activity stopped.
4. If you hold admin or debug permission, call get_performance_metrics and look at connection pool saturation and dropped subscribers.
5. Remember visibility rules: messages you cannot see still count toward the session's message_count.`,
		sessionID, sessionID)

	return mcp.NewGetPromptResult("Session diagnosis",
		[]mcp.PromptMessage{mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text))}), nil
}
