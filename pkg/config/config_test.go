// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validViper() *viper.Viper {
	v := viper.New()
	v.Set("JWT_SECRET_KEY", strings.Repeat("s", 32))
	v.Set("JWT_ENCRYPTION_KEY", strings.Repeat("k", 32))
	return v
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := load(validViper())
	require.NoError(t, err)

	assert.Equal(t, TransportStdio, cfg.Transport)
	assert.Equal(t, DefaultPoolMinSize, cfg.PoolMinSize)
	assert.Equal(t, DefaultPoolMaxSize, cfg.PoolMaxSize)
	assert.Equal(t, DefaultTokenTTL, cfg.TokenTTL)
	assert.Equal(t, DefaultTokenRenewalWindow, cfg.TokenRenewalWindow)
	assert.Equal(t, DefaultTokenRenewalExtension, cfg.TokenRenewalExtension)
	assert.EqualValues(t, DefaultMemoryQuotaBytes, cfg.MemoryQuotaBytes)
	assert.Equal(t, DefaultMessageMaxChars, cfg.MessageMaxChars)
	assert.Equal(t, DefaultAPIKeyHeader, cfg.APIKeyHeader)
	assert.False(t, cfg.AuthEnabled())
}

func TestLoadValidationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(v *viper.Viper)
		field string
	}{
		{
			name:  "short jwt secret",
			setup: func(v *viper.Viper) { v.Set("JWT_SECRET_KEY", "too-short") },
			field: "JWT_SECRET_KEY",
		},
		{
			name:  "missing encryption key",
			setup: func(v *viper.Viper) { v.Set("JWT_ENCRYPTION_KEY", "") },
			field: "JWT_ENCRYPTION_KEY",
		},
		{
			name:  "bad transport",
			setup: func(v *viper.Viper) { v.Set("MCP_TRANSPORT", "grpc") },
			field: "MCP_TRANSPORT",
		},
		{
			name: "admin key equals api key",
			setup: func(v *viper.Viper) {
				v.Set("API_KEY", "shared")
				v.Set("ADMIN_API_KEY", "shared")
			},
			field: "ADMIN_API_KEY",
		},
		{
			name: "inverted pool bounds",
			setup: func(v *viper.Viper) {
				v.Set("DATABASE_POOL_MIN_SIZE", 10)
				v.Set("DATABASE_POOL_MAX_SIZE", 2)
			},
			field: "DATABASE_POOL_MIN_SIZE",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := validViper()
			tt.setup(v)
			_, err := load(v)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestDecodeEncryptionKey(t *testing.T) {
	t.Parallel()

	raw := strings.Repeat("k", 32)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "raw 32 bytes", input: raw},
		{name: "base64 std", input: base64.StdEncoding.EncodeToString([]byte(raw))},
		{name: "base64 url no pad", input: base64.RawURLEncoding.EncodeToString([]byte(raw))},
		{name: "hex", input: "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"},
		{name: "wrong length", input: "short", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			key, err := decodeEncryptionKey(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, 32)
		})
	}
}
