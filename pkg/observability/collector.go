// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package observability assembles the admin-facing views: performance
// metrics, per-caller usage guidance, and the health probe.
package observability

import (
	"context"
	"time"

	scerrors "github.com/stacklok/shared-context-server/pkg/errors"
	"github.com/stacklok/shared-context-server/pkg/notify"
	"github.com/stacklok/shared-context-server/pkg/search"
	"github.com/stacklok/shared-context-server/pkg/session"
	"github.com/stacklok/shared-context-server/pkg/storage"
	"github.com/stacklok/shared-context-server/pkg/tokens"
)

// Collector gathers statistics from the other components on demand. It keeps
// no state of its own besides the start time.
type Collector struct {
	db       *storage.DB
	vault    *tokens.Vault
	engine   *search.Engine
	bus      *notify.Bus
	sessions *session.Store

	started time.Time
}

// NewCollector wires a Collector to the components it reports on.
func NewCollector(db *storage.DB, vault *tokens.Vault, engine *search.Engine, bus *notify.Bus, sessions *session.Store) *Collector {
	return &Collector{
		db:       db,
		vault:    vault,
		engine:   engine,
		bus:      bus,
		sessions: sessions,
		started:  time.Now(),
	}
}

// PoolStats is the connection-pool slice of the snapshot.
type PoolStats struct {
	MaxOpen       int           `json:"max_open"`
	Open          int           `json:"open"`
	InUse         int           `json:"in_use"`
	Idle          int           `json:"idle"`
	WaitCount     int64         `json:"wait_count"`
	WaitDuration  time.Duration `json:"wait_duration_ms"`
	MaxIdleClosed int64         `json:"max_idle_closed"`
	MaxLifeClosed int64         `json:"max_lifetime_closed"`
}

// QueryStats is the per-kind query latency slice of the snapshot.
type QueryStats struct {
	Count     int64   `json:"count"`
	AvgMillis float64 `json:"avg_ms"`
	MaxMillis int64   `json:"max_ms"`
}

// BusStats is the notification slice of the snapshot.
type BusStats struct {
	Subscribers int   `json:"subscribers"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
}

// CacheStats extends the raw counters with the derived hit ratio.
type CacheStats struct {
	search.CacheStats
	HitRatio float64 `json:"hit_ratio"`
}

// Snapshot is the get_performance_metrics payload.
type Snapshot struct {
	Timestamp      time.Time             `json:"timestamp"`
	UptimeSeconds  int64                 `json:"uptime_seconds"`
	ActiveSessions int64                 `json:"active_sessions"`
	Pool           PoolStats             `json:"connection_pool"`
	Queries        map[string]QueryStats `json:"queries"`
	SearchCache    CacheStats            `json:"search_cache"`
	Notifications  BusStats              `json:"notifications"`
	TokenVault     tokens.Stats          `json:"token_vault"`
	Migration      int64                 `json:"migration_version"`
}

// Snapshot collects a point-in-time metrics view.
func (c *Collector) Snapshot(ctx context.Context) (*Snapshot, error) {
	activeSessions, err := c.sessions.ActiveSessionCount(ctx)
	if err != nil {
		return nil, err
	}

	dbStats := c.db.Stats()
	queries := make(map[string]QueryStats, len(dbStats.Queries))
	for kind, qs := range dbStats.Queries {
		avg := 0.0
		if qs.Count > 0 {
			avg = float64(qs.TotalMillis) / float64(qs.Count)
		}
		queries[kind] = QueryStats{Count: qs.Count, AvgMillis: avg, MaxMillis: qs.MaxMillis}
	}

	cache := CacheStats{CacheStats: c.engine.Cache()}
	if total := cache.Hits + cache.Misses; total > 0 {
		cache.HitRatio = float64(cache.Hits) / float64(total)
	}

	return &Snapshot{
		Timestamp:      time.Now().UTC(),
		UptimeSeconds:  int64(time.Since(c.started).Seconds()),
		ActiveSessions: activeSessions,
		Pool: PoolStats{
			MaxOpen:       dbStats.Pool.MaxOpenConnections,
			Open:          dbStats.Pool.OpenConnections,
			InUse:         dbStats.Pool.InUse,
			Idle:          dbStats.Pool.Idle,
			WaitCount:     dbStats.Pool.WaitCount,
			WaitDuration:  dbStats.Pool.WaitDuration / time.Millisecond,
			MaxIdleClosed: dbStats.Pool.MaxIdleClosed,
			MaxLifeClosed: dbStats.Pool.MaxLifetimeClosed,
		},
		Queries:       queries,
		SearchCache:   cache,
		Notifications: BusStats{Subscribers: c.bus.SubscriberCount(), Delivered: c.bus.Delivered(), Dropped: c.bus.Dropped()},
		TokenVault:    c.vault.Stats(ctx),
		Migration:     dbStats.MigrationVersion,
	}, nil
}

// Health is the unauthenticated probe payload.
type Health struct {
	Status     string `json:"status"`
	DB         string `json:"db"`
	Migrations int64  `json:"migrations"`
}

// Health reports whether a read connection is obtainable and which schema
// revision is applied.
func (c *Collector) Health(ctx context.Context) Health {
	h := Health{Status: "ok", DB: "connected", Migrations: c.db.MigrationVersion()}
	if err := c.db.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.DB = "disconnected"
	}
	return h
}

// Guidance is the get_usage_guidance payload: what the caller may do,
// expressed in tool names.
type Guidance struct {
	AgentID         string   `json:"agent_id"`
	AccessLevel     string   `json:"access_level"`
	Permissions     []string `json:"permissions"`
	AvailableTools  []string `json:"available_tools"`
	RestrictedTools []string `json:"restricted_tools,omitempty"`
	Recommendations []string `json:"recommendations"`
}

var (
	readTools = []string{
		"get_session", "get_messages", "search_context", "search_by_sender",
		"search_by_timerange", "get_memory", "list_memory", "get_usage_guidance",
	}
	writeTools = []string{
		"create_session", "add_message", "set_memory", "delete_memory", "refresh_token",
	}
	adminTools = []string{
		"set_message_visibility", "deactivate_session",
	}
	debugTools = []string{
		"get_performance_metrics",
	}
)

// UsageGuidance derives the caller's capability description from its claims.
func UsageGuidance(claims *tokens.Claims) *Guidance {
	g := &Guidance{
		AgentID:     claims.AgentID,
		AccessLevel: accessLevel(claims),
	}
	for _, p := range claims.Permissions {
		g.Permissions = append(g.Permissions, string(p))
	}

	add := func(granted bool, tools []string) {
		if granted {
			g.AvailableTools = append(g.AvailableTools, tools...)
		} else {
			g.RestrictedTools = append(g.RestrictedTools, tools...)
		}
	}
	add(claims.Has(tokens.PermissionRead), readTools)
	add(claims.Has(tokens.PermissionWrite), writeTools)
	add(claims.Has(tokens.PermissionAdmin), adminTools)
	add(claims.Has(tokens.PermissionAdmin) || claims.Has(tokens.PermissionDebug), debugTools)

	switch {
	case claims.IsAdmin():
		g.Recommendations = append(g.Recommendations,
			"use set_message_visibility sparingly; changes are audit logged")
	case claims.Has(tokens.PermissionWrite):
		g.Recommendations = append(g.Recommendations,
			"store durable findings with set_memory so other sessions can reuse them",
			"refresh tokens with refresh_token before long-running work")
	default:
		g.Recommendations = append(g.Recommendations,
			"request write permission to contribute messages and memory")
	}
	return g
}

func accessLevel(claims *tokens.Claims) string {
	switch {
	case claims.IsAdmin():
		return "admin"
	case claims.Has(tokens.PermissionWrite):
		return "read_write"
	case claims.Has(tokens.PermissionRead):
		return "read_only"
	default:
		return "restricted"
	}
}

// RequireDebug gates the metrics surface: admin or debug.
func RequireDebug(claims tokens.Claims) error {
	if claims.Has(tokens.PermissionAdmin) || claims.Has(tokens.PermissionDebug) {
		return nil
	}
	return scerrors.New(scerrors.ErrPermissionDenied, "performance metrics require admin or debug permission")
}
