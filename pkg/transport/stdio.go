// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/shared-context-server/pkg/mcpserver"
)

// ServeStdio runs the MCP server over stdin/stdout until ctx is cancelled or
// the parent closes the pipe. Diagnostics go to stderr through the logger, so
// stdout stays a clean protocol stream.
func ServeStdio(ctx context.Context, mcps *mcpserver.Server) error {
	stdio := server.NewStdioServer(mcps.MCP())
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}
