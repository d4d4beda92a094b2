// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingletonCapture(t *testing.T) { //nolint:paralleltest // Modifies the package singleton
	orig := Get()
	defer Set(orig)

	var buf bytes.Buffer
	Set(slog.New(slog.NewJSONHandler(&buf, nil)))

	Infow("message added", "session_id", "session_0000000000000000", "id", 7)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "message added", entry["msg"])
	assert.Equal(t, "session_0000000000000000", entry["session_id"])
	assert.EqualValues(t, 7, entry["id"])
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) { //nolint:paralleltest // Modifies the package singleton
	orig := Get()
	defer Set(orig)

	var buf bytes.Buffer
	Set(newLogger(&buf, slog.LevelInfo))

	Debugf("hidden %d", 1)
	assert.Empty(t, buf.String())

	Errorf("visible %d", 2)
	assert.Contains(t, buf.String(), "visible 2")
}
