// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the server configuration from the
// environment and CLI flags via viper.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Transport selects how MCP requests reach the server.
type Transport string

// Supported transports.
const (
	TransportStdio Transport = "stdio"
	TransportHTTP  Transport = "http"
)

// Default values for optional settings.
const (
	DefaultPoolMinSize           = 5
	DefaultPoolMaxSize           = 50
	DefaultConnectionTimeout     = 30 * time.Second
	DefaultRequestTimeout        = 30 * time.Second
	DefaultTokenTTL              = 1800 * time.Second
	DefaultTokenRenewalWindow    = 300 * time.Second
	DefaultTokenRenewalExtension = 600 * time.Second
	DefaultMemoryQuotaBytes      = 100 << 20
	DefaultMessageMaxChars       = 10000
	DefaultCacheL1Size           = 1024
	DefaultCacheL2Size           = 4096
	DefaultCacheTTL              = 300 * time.Second
	DefaultHTTPHost              = "127.0.0.1"
	DefaultHTTPPort              = 23456
	DefaultAPIKeyHeader          = "X-API-Key"
)

// Config holds the resolved server configuration.
type Config struct {
	DatabaseURL       string
	PoolMinSize       int
	PoolMaxSize       int
	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration

	// APIKey is the transport-level shared secret. Empty disables transport auth.
	APIKey string
	// AdminAPIKey gates elevation to admin/debug permissions.
	AdminAPIKey  string
	APIKeyHeader string

	// JWTSecretKey signs JWTs and derives the token lookup hash key.
	JWTSecretKey []byte
	// JWTEncryptionKey is the 32-byte AEAD key wrapping JWTs at rest.
	JWTEncryptionKey []byte

	HTTPHost  string
	HTTPPort  int
	Transport Transport

	TokenTTL              time.Duration
	TokenRenewalWindow    time.Duration
	TokenRenewalExtension time.Duration

	MemoryQuotaBytes int64
	MessageMaxChars  int

	CacheL1Size int
	CacheL2Size int
	CacheTTL    time.Duration
}

// AuthEnabled reports whether the transport-level API key gate is active.
func (c *Config) AuthEnabled() bool {
	return c.APIKey != ""
}

// ValidationError marks configuration problems; the CLI maps it to exit code 2.
type ValidationError struct {
	Field  string
	Reason string
}

// Error returns the validation failure description.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_URL", "./chat_history.db")
	v.SetDefault("DATABASE_POOL_MIN_SIZE", DefaultPoolMinSize)
	v.SetDefault("DATABASE_POOL_MAX_SIZE", DefaultPoolMaxSize)
	v.SetDefault("CONNECTION_TIMEOUT_SECONDS", int(DefaultConnectionTimeout.Seconds()))
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", int(DefaultRequestTimeout.Seconds()))
	v.SetDefault("API_KEY_HEADER", DefaultAPIKeyHeader)
	v.SetDefault("HTTP_HOST", DefaultHTTPHost)
	v.SetDefault("HTTP_PORT", DefaultHTTPPort)
	v.SetDefault("MCP_TRANSPORT", string(TransportStdio))
	v.SetDefault("TOKEN_DEFAULT_TTL_SECONDS", int(DefaultTokenTTL.Seconds()))
	v.SetDefault("TOKEN_RENEWAL_WINDOW_SECONDS", int(DefaultTokenRenewalWindow.Seconds()))
	v.SetDefault("TOKEN_RENEWAL_EXTENSION_SECONDS", int(DefaultTokenRenewalExtension.Seconds()))
	v.SetDefault("MEMORY_QUOTA_BYTES", DefaultMemoryQuotaBytes)
	v.SetDefault("MESSAGE_MAX_CHARS", DefaultMessageMaxChars)
	v.SetDefault("CACHE_L1_SIZE", DefaultCacheL1Size)
	v.SetDefault("CACHE_L2_SIZE", DefaultCacheL2Size)
	v.SetDefault("CACHE_DEFAULT_TTL_SECONDS", int(DefaultCacheTTL.Seconds()))
}

// Load reads configuration from the environment (and any keys already bound
// to flags on the global viper instance) and validates it.
func Load() (*Config, error) {
	return load(viper.GetViper())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		DatabaseURL:           v.GetString("DATABASE_URL"),
		PoolMinSize:           v.GetInt("DATABASE_POOL_MIN_SIZE"),
		PoolMaxSize:           v.GetInt("DATABASE_POOL_MAX_SIZE"),
		ConnectionTimeout:     time.Duration(v.GetInt("CONNECTION_TIMEOUT_SECONDS")) * time.Second,
		RequestTimeout:        time.Duration(v.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,
		APIKey:                v.GetString("API_KEY"),
		AdminAPIKey:           v.GetString("ADMIN_API_KEY"),
		APIKeyHeader:          v.GetString("API_KEY_HEADER"),
		HTTPHost:              v.GetString("HTTP_HOST"),
		HTTPPort:              v.GetInt("HTTP_PORT"),
		Transport:             Transport(v.GetString("MCP_TRANSPORT")),
		TokenTTL:              time.Duration(v.GetInt("TOKEN_DEFAULT_TTL_SECONDS")) * time.Second,
		TokenRenewalWindow:    time.Duration(v.GetInt("TOKEN_RENEWAL_WINDOW_SECONDS")) * time.Second,
		TokenRenewalExtension: time.Duration(v.GetInt("TOKEN_RENEWAL_EXTENSION_SECONDS")) * time.Second,
		MemoryQuotaBytes:      v.GetInt64("MEMORY_QUOTA_BYTES"),
		MessageMaxChars:       v.GetInt("MESSAGE_MAX_CHARS"),
		CacheL1Size:           v.GetInt("CACHE_L1_SIZE"),
		CacheL2Size:           v.GetInt("CACHE_L2_SIZE"),
		CacheTTL:              time.Duration(v.GetInt("CACHE_DEFAULT_TTL_SECONDS")) * time.Second,
	}

	secret := v.GetString("JWT_SECRET_KEY")
	if len(secret) < 32 {
		return nil, &ValidationError{Field: "JWT_SECRET_KEY", Reason: "must be at least 32 bytes"}
	}
	cfg.JWTSecretKey = []byte(secret)

	encKey, err := decodeEncryptionKey(v.GetString("JWT_ENCRYPTION_KEY"))
	if err != nil {
		return nil, &ValidationError{Field: "JWT_ENCRYPTION_KEY", Reason: err.Error()}
	}
	cfg.JWTEncryptionKey = encKey

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Transport {
	case TransportStdio, TransportHTTP:
	default:
		return &ValidationError{Field: "MCP_TRANSPORT", Reason: `must be "stdio" or "http"`}
	}
	if c.DatabaseURL == "" {
		return &ValidationError{Field: "DATABASE_URL", Reason: "must not be empty"}
	}
	if c.PoolMinSize < 1 || c.PoolMaxSize < c.PoolMinSize {
		return &ValidationError{Field: "DATABASE_POOL_MIN_SIZE", Reason: "pool bounds must satisfy 1 <= min <= max"}
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return &ValidationError{Field: "HTTP_PORT", Reason: "must be a valid port"}
	}
	if c.AdminAPIKey != "" && c.AdminAPIKey == c.APIKey {
		return &ValidationError{Field: "ADMIN_API_KEY", Reason: "must differ from API_KEY"}
	}
	if c.MessageMaxChars < 1 {
		return &ValidationError{Field: "MESSAGE_MAX_CHARS", Reason: "must be positive"}
	}
	return nil
}

// decodeEncryptionKey accepts a raw 32-byte string, 64 hex chars, or
// standard/URL-safe base64 of 32 bytes.
func decodeEncryptionKey(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("must be set")
	}
	if len(s) == 32 {
		return []byte(s), nil
	}
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(s); err == nil && len(decoded) == 32 {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("must decode to exactly 32 bytes (raw, hex, or base64)")
}
