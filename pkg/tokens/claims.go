// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the agent identity subsystem: opaque protected
// tokens that wrap short-lived JWTs encrypted at rest, the validate/refresh
// lifecycle, and the permission model consulted by the MCP dispatcher.
package tokens

import (
	"strings"
	"time"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
)

// Permission is a capability granted to an authenticated agent.
type Permission string

// Known permissions. Admin implies all; write implies read; debug stands alone.
const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionAdmin Permission = "admin"
	PermissionDebug Permission = "debug"
)

// Canonical agent types recognized by authorization and visibility checks.
// Anything else is treated as AgentTypeGeneric.
const (
	AgentTypeClaude  = "claude"
	AgentTypeAdmin   = "admin"
	AgentTypeSystem  = "system"
	AgentTypeGeneric = "generic"
)

// Claims is the decrypted content of a JWT. It is never serialized to
// clients; only the dispatcher boundary converts between Claims and the
// opaque ProtectedToken.
type Claims struct {
	AgentID     string
	AgentType   string
	Permissions []Permission
	IssuedAt    time.Time
	ExpiresAt   time.Time
	TokenID     string
}

// Has reports whether the claims satisfy the required permission.
func (c Claims) Has(required Permission) bool {
	for _, p := range c.Permissions {
		switch {
		case p == required:
			return true
		case p == PermissionAdmin && required != PermissionDebug:
			return true
		case p == PermissionWrite && required == PermissionRead:
			return true
		}
	}
	return false
}

// HasPermission reports whether claims satisfy the required permission.
// Pure helper form used by the dispatcher and usage guidance.
func HasPermission(c Claims, required Permission) bool {
	return c.Has(required)
}

// IsAdmin reports whether the claims carry the admin permission.
func (c Claims) IsAdmin() bool {
	return c.Has(PermissionAdmin)
}

// ParsePermissions validates and deduplicates a permission list.
func ParsePermissions(raw []string) ([]Permission, error) {
	seen := make(map[Permission]bool, len(raw))
	perms := make([]Permission, 0, len(raw))
	for _, r := range raw {
		p := Permission(strings.ToLower(strings.TrimSpace(r)))
		switch p {
		case PermissionRead, PermissionWrite, PermissionAdmin, PermissionDebug:
		default:
			return nil, scerrors.Newf(scerrors.ErrInvalidInput, "unknown permission %q", r).
				With("allowed", []string{"read", "write", "admin", "debug"})
		}
		if !seen[p] {
			seen[p] = true
			perms = append(perms, p)
		}
	}
	return perms, nil
}

// NormalizeAgentType maps arbitrary sender types onto the canonical set.
func NormalizeAgentType(agentType string) string {
	switch strings.ToLower(strings.TrimSpace(agentType)) {
	case AgentTypeClaude:
		return AgentTypeClaude
	case AgentTypeAdmin:
		return AgentTypeAdmin
	case AgentTypeSystem:
		return AgentTypeSystem
	default:
		return AgentTypeGeneric
	}
}
