// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/storage/storagetest"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

func newTestStore(t *testing.T, quota int64) *Store {
	t.Helper()
	return NewStore(storagetest.OpenDB(t), quota)
}

func agent(id string) *tokens.Claims {
	return &tokens.Claims{
		AgentID:     id,
		AgentType:   tokens.AgentTypeClaude,
		Permissions: []tokens.Permission{tokens.PermissionRead, tokens.PermissionWrite},
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	err := store.Set(ctx, alice, SetParams{
		Key: "plan.current", Value: "refactor storage", Metadata: []byte(`{"step":1}`), Overwrite: true,
	})
	require.NoError(t, err)

	entry, err := store.Get(ctx, alice, "plan.current", "", false)
	require.NoError(t, err)
	assert.Equal(t, "refactor storage", entry.Value)
	assert.Empty(t, entry.SessionID)
	assert.JSONEq(t, `{"step":1}`, string(entry.Metadata))
	assert.Nil(t, entry.ExpiresAt)
}

func TestKeyValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	for _, bad := range []string{"", ".leading-dot", "_leading", "has space", "bad/slash", strings.Repeat("k", 129)} {
		err := store.Set(ctx, alice, SetParams{Key: bad, Value: "v", Overwrite: true})
		assert.True(t, scerrors.IsCode(err, scerrors.ErrInvalidKey), "key %q", bad)
	}

	for _, good := range []string{"k", "plan.current", "a-b_c.d", "0numeric", strings.Repeat("k", 128)} {
		err := store.Set(ctx, alice, SetParams{Key: good, Value: "v", Overwrite: true})
		assert.NoError(t, err, "key %q", good)
	}
}

func TestAgentIsolation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, agent("alice"), SetParams{Key: "secret", Value: "alice's", Overwrite: true}))

	// Another agent cannot read, list, or delete it. Not even admin.
	bob := agent("bob")
	_, err := store.Get(ctx, bob, "secret", "", false)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryNotFound))

	entries, err := store.List(ctx, bob, ListParams{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = store.Delete(ctx, bob, "secret", "")
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryNotFound))

	admin := &tokens.Claims{AgentID: "ops", AgentType: tokens.AgentTypeAdmin,
		Permissions: []tokens.Permission{tokens.PermissionAdmin}}
	_, err = store.Get(ctx, admin, "secret", "", false)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryNotFound))
}

func TestSessionScopeAndGlobalFallback(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "mode", Value: "global", Overwrite: true}))
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "mode", Value: "scoped", SessionID: "session_1", Overwrite: true}))

	entry, err := store.Get(ctx, alice, "mode", "session_1", false)
	require.NoError(t, err)
	assert.Equal(t, "scoped", entry.Value)
	assert.Equal(t, "session_1", entry.SessionID)

	// A different session misses, unless global fallback is requested.
	_, err = store.Get(ctx, alice, "mode", "session_2", false)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryNotFound))

	entry, err = store.Get(ctx, alice, "mode", "session_2", true)
	require.NoError(t, err)
	assert.Equal(t, "global", entry.Value)
}

func TestOverwriteFlag(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "k", Value: "v1", Overwrite: true}))

	err := store.Set(ctx, alice, SetParams{Key: "k", Value: "v2", Overwrite: false})
	assert.True(t, scerrors.IsCode(err, scerrors.ErrInvalidInput))

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "k", Value: "v2", Overwrite: true}))
	entry, err := store.Get(ctx, alice, "k", "", false)
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.Value)
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	base := time.Now().UTC()
	store.now = func() time.Time { return base }

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "short", Value: "v", TTL: time.Minute, Overwrite: true}))
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "long", Value: "v", Overwrite: true}))

	entry, err := store.Get(ctx, alice, "short", "", false)
	require.NoError(t, err)
	require.NotNil(t, entry.ExpiresAt)

	store.now = func() time.Time { return base.Add(2 * time.Minute) }

	// Expired reads as missing even before the sweeper runs.
	_, err = store.Get(ctx, alice, "short", "", false)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryNotFound))

	entries, err := store.List(ctx, alice, ListParams{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "long", entries[0].Key)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestExpiredKeyCanBeRewritten(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	base := time.Now().UTC()
	store.now = func() time.Time { return base }
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "k", Value: "old", TTL: time.Minute, Overwrite: true}))

	store.now = func() time.Time { return base.Add(2 * time.Minute) }

	// overwrite=false succeeds because the expired row does not count.
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "k", Value: "new", Overwrite: false}))
	entry, err := store.Get(ctx, alice, "k", "", false)
	require.NoError(t, err)
	assert.Equal(t, "new", entry.Value)
}

func TestValueSizeAndQuota(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 100)
	ctx := context.Background()
	alice := agent("alice")

	err := store.Set(ctx, alice, SetParams{Key: "huge", Value: strings.Repeat("v", maxValueBytes+1), Overwrite: true})
	assert.True(t, scerrors.IsCode(err, scerrors.ErrContentTooLarge))

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "a", Value: strings.Repeat("v", 60), Overwrite: true}))

	err = store.Set(ctx, alice, SetParams{Key: "b", Value: strings.Repeat("v", 50), Overwrite: true})
	require.Error(t, err)
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryLimitExceeded))
	var scErr *scerrors.Error
	require.ErrorAs(t, err, &scErr)
	assert.EqualValues(t, 60, scErr.Context["used_bytes"])

	// Replacing an existing entry only counts the delta.
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "a", Value: strings.Repeat("v", 90), Overwrite: true}))

	// Quotas are per agent.
	require.NoError(t, store.Set(ctx, agent("bob"), SetParams{Key: "b", Value: strings.Repeat("v", 50), Overwrite: true}))

	usage, err := store.Usage(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, usage.Entries)
	assert.EqualValues(t, 90, usage.Bytes)
	assert.EqualValues(t, 100, usage.QuotaBytes)
}

func TestListScopesAndPrefix(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "plan.a", Value: "1", Overwrite: true}))
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "plan.b", Value: "2", SessionID: "session_1", Overwrite: true}))
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "state", Value: "3", Overwrite: true}))

	all, err := store.List(ctx, alice, ListParams{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	global, err := store.List(ctx, alice, ListParams{GlobalOnly: true})
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.Equal(t, "plan.a", global[0].Key)

	scoped, err := store.List(ctx, alice, ListParams{SessionID: "session_1"})
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "plan.b", scoped[0].Key)

	prefixed, err := store.List(ctx, alice, ListParams{Prefix: "plan."})
	require.NoError(t, err)
	assert.Len(t, prefixed, 2)
}

func TestDeleteScopedEntry(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, 0)
	ctx := context.Background()
	alice := agent("alice")

	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "k", Value: "global", Overwrite: true}))
	require.NoError(t, store.Set(ctx, alice, SetParams{Key: "k", Value: "scoped", SessionID: "session_1", Overwrite: true}))

	require.NoError(t, store.Delete(ctx, alice, "k", "session_1"))

	// The global entry under the same key survives.
	entry, err := store.Get(ctx, alice, "k", "", false)
	require.NoError(t, err)
	assert.Equal(t, "global", entry.Value)

	err = store.Delete(ctx, alice, "k", "session_1")
	assert.True(t, scerrors.IsCode(err, scerrors.ErrMemoryNotFound))
}
