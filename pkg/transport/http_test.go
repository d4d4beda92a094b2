// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/shared-context-server/pkg/mcpserver"
	"github.com/stacklok/shared-context-server/pkg/memory"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/observability"
	"github.com/stacklok/shared-context-server/pkg/search"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/storage/storagetest"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

const (
	testAPIKey      = "transport-key"
	testAdminAPIKey = "admin-transport-key"
)

type testStack struct {
	http     *HTTPServer
	sessions *session.Store
	vault    *tokens.Vault
	bus      *notify.Bus
}

func newTestStack(t *testing.T, cfg HTTPConfig) *testStack {
	t.Helper()

	db := storagetest.OpenDB(t)
	bus := notify.NewBus()
	sessions := session.NewStore(db, bus, 0)
	mem := memory.NewStore(db, 0)
	engine := search.NewEngine(sessions, 0, 0)
	vault, err := tokens.NewVault(db, tokens.Config{
		SigningKey:    []byte(strings.Repeat("s", 32)),
		EncryptionKey: []byte(strings.Repeat("e", 32)),
		APIKey:        testAPIKey,
		AdminAPIKey:   testAdminAPIKey,
		TTL:           30 * time.Minute,
	})
	require.NoError(t, err)
	collector := observability.NewCollector(db, vault, engine, bus, sessions)

	mcps := mcpserver.New(mcpserver.Config{
		Vault:     vault,
		Sessions:  sessions,
		Memory:    mem,
		Search:    engine,
		Collector: collector,
	})

	return &testStack{
		http:     NewHTTPServer(cfg, mcps, sessions, vault, bus, collector),
		sessions: sessions,
		vault:    vault,
		bus:      bus,
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, HTTPConfig{APIKey: testAPIKey})
	srv := httptest.NewServer(stack.http.Handler())
	t.Cleanup(srv.Close)

	// No API key needed for the probe.
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "connected", payload["db"])
	assert.NotEmpty(t, payload["migrations"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, HTTPConfig{APIKey: testAPIKey, AdminAPIKey: testAdminAPIKey})
	srv := httptest.NewServer(stack.http.Handler())
	t.Cleanup(srv.Close)

	get := func(header, key string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/session_missing", nil)
		require.NoError(t, err)
		if key != "" {
			req.Header.Set(header, key)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "INVALID_API_KEY", payload["code"])

	resp = get(DefaultAPIKeyHeader, "wrong-key")
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// A valid key reaches the handler; the unknown session is a 404, not 401.
	resp = get(DefaultAPIKeyHeader, testAPIKey)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(DefaultAPIKeyHeader, testAdminAPIKey)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyHeaderConfigurable(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, HTTPConfig{APIKey: testAPIKey, APIKeyHeader: "X-Custom-Key"})
	srv := httptest.NewServer(stack.http.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws/session_missing", nil)
	require.NoError(t, err)
	req.Header.Set(DefaultAPIKeyHeader, testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Del(DefaultAPIKeyHeader)
	req.Header.Set("X-Custom-Key", testAPIKey)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthDisabledWhenNoKeyConfigured(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, HTTPConfig{})
	srv := httptest.NewServer(stack.http.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/ws/session_missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	stack := newTestStack(t, HTTPConfig{})
	require.NoError(t, stack.http.Shutdown(context.Background()))
}
