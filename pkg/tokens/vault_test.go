// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/storage/storagetest"
)

const (
	testAPIKey      = "transport-key"
	testAdminAPIKey = "admin-transport-key"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	vault, err := NewVault(storagetest.OpenDB(t), Config{
		SigningKey:    []byte(strings.Repeat("s", 32)),
		EncryptionKey: []byte(strings.Repeat("e", 32)),
		APIKey:        testAPIKey,
		AdminAPIKey:   testAdminAPIKey,
		TTL:           30 * time.Minute,
	})
	require.NoError(t, err)
	return vault
}

func TestParseProtectedToken(t *testing.T) {
	t.Parallel()

	token, err := NewProtectedToken(time.Unix(1736900000, 0))
	require.NoError(t, err)

	wire := token.String()
	assert.Regexp(t, `^sct_[A-Za-z0-9_-]+_\d{10}$`, wire)

	parsed, err := ParseProtectedToken(wire)
	require.NoError(t, err)
	assert.Equal(t, wire, parsed.String())
	assert.Equal(t, time.Unix(1736900000, 0).UTC(), parsed.CreatedAt())

	for _, bad := range []string{"", "sct_", "token_abc_1736900000", "sct_abc_17369", "sct_ab!c_1736900000"} {
		_, err := ParseProtectedToken(bad)
		assert.True(t, scerrors.IsCode(err, scerrors.ErrInvalidInputFormat), bad)
	}
}

func TestRedactedNeverContainsFullBody(t *testing.T) {
	t.Parallel()

	token, err := NewProtectedToken(time.Now())
	require.NoError(t, err)
	assert.NotContains(t, token.Redacted(), token.body[4:len(token.body)-4])
}

func TestClaimsHas(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		granted  []Permission
		required Permission
		want     bool
	}{
		{"write implies read", []Permission{PermissionWrite}, PermissionRead, true},
		{"read does not imply write", []Permission{PermissionRead}, PermissionWrite, false},
		{"admin implies write", []Permission{PermissionAdmin}, PermissionWrite, true},
		{"admin implies read", []Permission{PermissionAdmin}, PermissionRead, true},
		{"admin does not imply debug", []Permission{PermissionAdmin}, PermissionDebug, false},
		{"debug is independent", []Permission{PermissionDebug}, PermissionRead, false},
		{"debug satisfies debug", []Permission{PermissionDebug}, PermissionDebug, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Claims{Permissions: tt.granted}
			assert.Equal(t, tt.want, c.Has(tt.required))
		})
	}
}

func TestAuthenticateValidateRoundTrip(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	token, claims, err := vault.Authenticate(ctx, "claude-main", "claude", testAPIKey, []string{"read", "write"})
	require.NoError(t, err)
	assert.Equal(t, "claude-main", claims.AgentID)
	assert.Equal(t, AgentTypeClaude, claims.AgentType)

	got, err := vault.Validate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, claims.AgentID, got.AgentID)
	assert.Equal(t, claims.AgentType, got.AgentType)
	assert.ElementsMatch(t, claims.Permissions, got.Permissions)
	assert.Equal(t, claims.TokenID, got.TokenID)
}

func TestAuthenticateRejectsInvalidAPIKey(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	_, _, err := vault.Authenticate(context.Background(), "a", "claude", "wrong", nil)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrInvalidAPIKey))
}

func TestAuthenticateClampsElevation(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	// Standard key: admin is clamped away, the rest is granted.
	_, claims, err := vault.Authenticate(ctx, "a", "claude", testAPIKey, []string{"read", "admin"})
	require.NoError(t, err)
	assert.Equal(t, []Permission{PermissionRead}, claims.Permissions)

	// Standard key asking only for elevation has nothing left to grant.
	_, _, err = vault.Authenticate(ctx, "a", "claude", testAPIKey, []string{"admin"})
	assert.True(t, scerrors.IsCode(err, scerrors.ErrPermissionDenied))

	// Admin key grants admin and debug.
	_, claims, err = vault.Authenticate(ctx, "ops", "admin", testAdminAPIKey, []string{"admin", "debug"})
	require.NoError(t, err)
	assert.True(t, claims.Has(PermissionAdmin))
	assert.True(t, claims.Has(PermissionDebug))
}

func TestAuthenticateValidatesAgentID(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	for _, bad := range []string{"", "  ", "has space", "ctrl\x01char", strings.Repeat("x", 129)} {
		_, _, err := vault.Authenticate(ctx, bad, "claude", testAPIKey, nil)
		assert.True(t, scerrors.IsCode(err, scerrors.ErrInvalidInput), "agent_id %q", bad)
	}
}

func TestRefreshInvalidatesPredecessor(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	t1, _, err := vault.Authenticate(ctx, "claude-main", "claude", testAPIKey, []string{"read", "write"})
	require.NoError(t, err)

	t2, claims, err := vault.Refresh(ctx, t1)
	require.NoError(t, err)
	assert.NotEqual(t, t1.String(), t2.String())
	assert.Equal(t, "claude-main", claims.AgentID)

	_, err = vault.Validate(ctx, t1)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrTokenRevoked))

	got, err := vault.Validate(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, "claude-main", got.AgentID)

	// Refreshing the revoked predecessor again fails.
	_, _, err = vault.Refresh(ctx, t1)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrTokenRevoked))
}

func TestValidateUnknownToken(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	token, err := NewProtectedToken(time.Now())
	require.NoError(t, err)

	_, err = vault.Validate(context.Background(), token)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrTokenRevoked))
}

func TestValidateExpiredToken(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	base := time.Now().UTC()
	vault.now = func() time.Time { return base }

	token, _, err := vault.Authenticate(ctx, "a", "claude", testAPIKey, nil)
	require.NoError(t, err)

	vault.now = func() time.Time { return base.Add(31 * time.Minute) }
	_, err = vault.Validate(ctx, token)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrTokenExpired))
}

func TestSafetyNetRenewal(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	base := time.Now().UTC()
	vault.now = func() time.Time { return base }

	token, _, err := vault.Authenticate(ctx, "a", "claude", testAPIKey, nil)
	require.NoError(t, err)

	// 2 minutes before expiry: inside the 5-minute renewal window.
	vault.now = func() time.Time { return base.Add(28 * time.Minute) }
	claims, err := vault.Validate(ctx, token)
	require.NoError(t, err)

	// expires_at advanced by the 10-minute extension: 30m + 10m from issue.
	assert.WithinDuration(t, base.Add(40*time.Minute), claims.ExpiresAt, time.Second)

	// The advance is persisted and observable on the next validation.
	claims, err = vault.Validate(ctx, token)
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(40*time.Minute), claims.ExpiresAt, time.Second)
	assert.GreaterOrEqual(t, vault.Stats(ctx).AutoRenewed, int64(1))
}

func TestCleanup(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	base := time.Now().UTC()
	vault.now = func() time.Time { return base }

	expired, _, err := vault.Authenticate(ctx, "a", "claude", testAPIKey, nil)
	require.NoError(t, err)
	_, _, err = vault.Authenticate(ctx, "b", "claude", testAPIKey, nil)
	require.NoError(t, err)

	vault.now = func() time.Time { return base.Add(31 * time.Minute) }
	removed, err := vault.Cleanup(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	_, err = vault.Validate(ctx, expired)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrTokenRevoked))
}

func TestStatsCountsActiveTokens(t *testing.T) {
	t.Parallel()

	vault := newTestVault(t)
	ctx := context.Background()

	_, _, err := vault.Authenticate(ctx, "a", "claude", testAPIKey, nil)
	require.NoError(t, err)
	_, _, err = vault.Authenticate(ctx, "b", "system", testAPIKey, nil)
	require.NoError(t, err)

	stats := vault.Stats(ctx)
	assert.EqualValues(t, 2, stats.ActiveTokens)
	assert.EqualValues(t, 2, stats.Issued)
}
