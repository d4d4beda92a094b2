// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/search"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/storage/storagetest"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func newTestCollector(t *testing.T) (*Collector, *session.Store, *tokens.Vault) {
	t.Helper()
	db := storagetest.OpenDB(t)
	bus := notify.NewBus()
	sessions := session.NewStore(db, bus, 0)
	engine := search.NewEngine(sessions, 0, 0)
	vault, err := tokens.NewVault(db, tokens.Config{
		SigningKey:    []byte(strings.Repeat("s", 32)),
		EncryptionKey: []byte(strings.Repeat("e", 32)),
		APIKey:        "key",
		TTL:           30 * time.Minute,
	})
	require.NoError(t, err)
	return NewCollector(db, vault, engine, bus, sessions), sessions, vault
}

func writerClaims(id string) *tokens.Claims {
	return &tokens.Claims{AgentID: id, AgentType: tokens.AgentTypeClaude,
		Permissions: []tokens.Permission{tokens.PermissionRead, tokens.PermissionWrite}}
}

func TestSnapshotReflectsActivity(t *testing.T) {
	t.Parallel()

	collector, sessions, vault := newTestCollector(t)
	ctx := context.Background()

	_, _, err := vault.Authenticate(ctx, "a", "claude", "key", nil)
	require.NoError(t, err)
	_, _, err = sessions.CreateSession(ctx, writerClaims("a"), "metrics fixture", nil, "hello")
	require.NoError(t, err)

	snap, err := collector.Snapshot(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, snap.ActiveSessions)
	assert.EqualValues(t, 1, snap.TokenVault.Issued)
	assert.Positive(t, snap.Migration)
	assert.Contains(t, snap.Queries, "sessions.create")
	assert.Positive(t, snap.Pool.MaxOpen)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	collector, _, _ := newTestCollector(t)
	h := collector.Health(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "connected", h.DB)
	assert.Positive(t, h.Migrations)
}

func TestUsageGuidanceByAccessLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		perms      []tokens.Permission
		level      string
		available  string
		restricted string
	}{
		{"read only", []tokens.Permission{tokens.PermissionRead}, "read_only", "get_messages", "add_message"},
		{"read write", []tokens.Permission{tokens.PermissionWrite}, "read_write", "add_message", "deactivate_session"},
		{"admin", []tokens.Permission{tokens.PermissionAdmin}, "admin", "set_message_visibility", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := UsageGuidance(&tokens.Claims{AgentID: "a", Permissions: tt.perms})
			assert.Equal(t, tt.level, g.AccessLevel)
			assert.Contains(t, g.AvailableTools, tt.available)
			if tt.restricted != "" {
				assert.Contains(t, g.RestrictedTools, tt.restricted)
			}
			assert.NotEmpty(t, g.Recommendations)
		})
	}
}

func TestAdminGuidanceIncludesMetrics(t *testing.T) {
	t.Parallel()

	g := UsageGuidance(&tokens.Claims{AgentID: "ops", Permissions: []tokens.Permission{tokens.PermissionAdmin}})
	assert.Contains(t, g.AvailableTools, "get_performance_metrics")

	g = UsageGuidance(&tokens.Claims{AgentID: "dbg", Permissions: []tokens.Permission{tokens.PermissionDebug}})
	assert.Contains(t, g.AvailableTools, "get_performance_metrics")
}

func TestRequireDebug(t *testing.T) {
	t.Parallel()

	err := RequireDebug(tokens.Claims{Permissions: []tokens.Permission{tokens.PermissionWrite}})
	assert.True(t, scerrors.IsCode(err, scerrors.ErrPermissionDenied))

	assert.NoError(t, RequireDebug(tokens.Claims{Permissions: []tokens.Permission{tokens.PermissionDebug}}))
	assert.NoError(t, RequireDebug(tokens.Claims{Permissions: []tokens.Permission{tokens.PermissionAdmin}}))
}
