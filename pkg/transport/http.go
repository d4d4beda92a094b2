// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport binds the MCP surface to the outside world: the
// streamable HTTP endpoint with its WebSocket push channel, and the stdio
// framing used when the server runs as a child process.
package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/mcpserver"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/observability"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second

	// DefaultAPIKeyHeader is checked by the transport key middleware when no
	// header name is configured.
	DefaultAPIKeyHeader = "X-API-Key"
)

// HTTPConfig holds the listener settings.
type HTTPConfig struct {
	Host string
	Port int

	// APIKey gates /mcp and /ws when non-empty. AdminAPIKey is accepted as
	// an alternative so admin clients present their one secret everywhere.
	APIKey       string
	AdminAPIKey  string
	APIKeyHeader string
}

// HTTPServer serves the MCP endpoint, the health probe, and WebSocket push.
type HTTPServer struct {
	srv       *http.Server
	sessions  *session.Store
	vault     *tokens.Vault
	bus       *notify.Bus
	collector *observability.Collector
	cfg       HTTPConfig
}

// NewHTTPServer builds the router and the underlying http.Server.
func NewHTTPServer(cfg HTTPConfig, mcps *mcpserver.Server, sessions *session.Store,
	vault *tokens.Vault, bus *notify.Bus, collector *observability.Collector) *HTTPServer {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = DefaultAPIKeyHeader
	}

	h := &HTTPServer{
		sessions:  sessions,
		vault:     vault,
		bus:       bus,
		collector: collector,
		cfg:       cfg,
	}

	streamable := server.NewStreamableHTTPServer(mcps.MCP(), server.WithEndpointPath("/mcp"))

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIKey)
		r.Handle("/mcp", streamable)
		r.Handle("/mcp/*", streamable)
		r.Get("/ws/{session_id}", h.handleWebSocket)
	})

	h.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return h
}

// Handler exposes the router; tests mount it on httptest servers.
func (h *HTTPServer) Handler() http.Handler {
	return h.srv.Handler
}

// Start serves until Shutdown is called. A closed-server return is not an
// error.
func (h *HTTPServer) Start() error {
	logger.Infow("http transport listening", "addr", h.srv.Addr)
	if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests, bounded by the shutdown timeout.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return h.srv.Shutdown(ctx)
}

// requireAPIKey enforces the transport key when one is configured. The
// comparison is constant time so key length and prefix never leak.
func (h *HTTPServer) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.APIKey == "" && h.cfg.AdminAPIKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := r.Header.Get(h.cfg.APIKeyHeader)
		if keyMatches(presented, h.cfg.APIKey) || keyMatches(presented, h.cfg.AdminAPIKey) {
			next.ServeHTTP(w, r)
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "missing or invalid API key",
			"code":    "INVALID_API_KEY",
		})
	})
}

func keyMatches(presented, expected string) bool {
	return expected != "" &&
		subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.collector.Health(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"status":     health.Status,
		"db":         health.DB,
		"migrations": strconv.FormatInt(health.Migrations, 10),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
