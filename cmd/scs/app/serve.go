// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/shared-context-server/pkg/config"
	"github.com/stacklok/shared-context-server/pkg/logger"
	"github.com/stacklok/shared-context-server/pkg/mcpserver"
	"github.com/stacklok/shared-context-server/pkg/memory"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/observability"
	"github.com/stacklok/shared-context-server/pkg/search"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/storage"
	"github.com/stacklok/shared-context-server/pkg/tokens"
	"github.com/stacklok/shared-context-server/pkg/transport"
)

// ErrStorageInit marks database bring-up failures; main maps it to its own
// exit code so supervisors can tell bad storage from bad config.
var ErrStorageInit = errors.New("storage initialization failed")

const (
	tokenCleanupInterval = 5 * time.Minute
	memorySweepInterval  = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the shared context server",
	Long: `Start the server on the configured transport. stdio serves a single
client over stdin/stdout; http serves the streamable MCP endpoint together
with the health probe and per-session WebSocket push.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := storage.Open(ctx, storage.Config{
		URL:         cfg.DatabaseURL,
		MinConns:    cfg.PoolMinSize,
		MaxConns:    cfg.PoolMaxSize,
		ConnTimeout: cfg.ConnectionTimeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageInit, err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warnw("closing database", "error", cerr)
		}
	}()

	vault, err := tokens.NewVault(db, tokens.Config{
		SigningKey:       cfg.JWTSecretKey,
		EncryptionKey:    cfg.JWTEncryptionKey,
		APIKey:           cfg.APIKey,
		AdminAPIKey:      cfg.AdminAPIKey,
		TTL:              cfg.TokenTTL,
		RenewalWindow:    cfg.TokenRenewalWindow,
		RenewalExtension: cfg.TokenRenewalExtension,
	})
	if err != nil {
		return fmt.Errorf("building token vault: %w", err)
	}

	bus := notify.NewBus()
	sessions := session.NewStore(db, bus, cfg.MessageMaxChars)
	mem := memory.NewStore(db, cfg.MemoryQuotaBytes)
	engine := search.NewEngine(sessions, cfg.CacheL1Size, cfg.CacheTTL)
	collector := observability.NewCollector(db, vault, engine, bus, sessions)

	mcps := mcpserver.New(mcpserver.Config{
		Vault:          vault,
		Sessions:       sessions,
		Memory:         mem,
		Search:         engine,
		Collector:      collector,
		RequestTimeout: cfg.RequestTimeout,
	})

	go vault.StartCleanup(ctx, tokenCleanupInterval)
	go mem.StartSweeper(ctx, memorySweepInterval)

	logger.Infow("server starting",
		"transport", cfg.Transport,
		"database", cfg.DatabaseURL,
		"auth_enabled", cfg.AuthEnabled(),
		"schema_version", db.MigrationVersion())

	if cfg.Transport == config.TransportHTTP {
		return serveHTTP(ctx, cfg, mcps, sessions, vault, bus, collector)
	}
	return transport.ServeStdio(ctx, mcps)
}

// serveHTTP runs the HTTP listener until the context is cancelled, then
// drains connections.
func serveHTTP(ctx context.Context, cfg *config.Config, mcps *mcpserver.Server,
	sessions *session.Store, vault *tokens.Vault, bus *notify.Bus,
	collector *observability.Collector) error {
	srv := transport.NewHTTPServer(transport.HTTPConfig{
		Host:         cfg.HTTPHost,
		Port:         cfg.HTTPPort,
		APIKey:       cfg.APIKey,
		AdminAPIKey:  cfg.AdminAPIKey,
		APIKeyHeader: cfg.APIKeyHeader,
	}, mcps, sessions, vault, bus, collector)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		return srv.Shutdown(context.Background())
	}
}
