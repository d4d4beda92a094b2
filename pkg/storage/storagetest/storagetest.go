// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides database helpers for store tests.
package storagetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stacklok/shared-context-server/pkg/storage"
)

var memDBCounter atomic.Int64

// OpenDB opens an isolated in-memory database with migrations applied and
// closes it when the test finishes.
func OpenDB(t testing.TB) *storage.DB {
	t.Helper()
	url := fmt.Sprintf("file:storagetest%d?mode=memory&cache=shared", memDBCounter.Add(1))
	db, err := storage.Open(context.Background(), storage.Config{URL: url, MinConns: 1, MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
