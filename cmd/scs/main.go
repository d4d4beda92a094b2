// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the shared context server CLI.
package main

import (
	"errors"
	"os"

	"github.com/stacklok/shared-context-server/cmd/scs/app"
	"github.com/stacklok/shared-context-server/pkg/config"
	"github.com/stacklok/shared-context-server/pkg/logger"
)

// Exit codes distinguish failure classes for process supervisors.
const (
	exitConfig  = 2
	exitStorage = 3
	exitRuntime = 4
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		logger.Errorw("exiting", "error", err)

		var verr *config.ValidationError
		switch {
		case errors.As(err, &verr):
			os.Exit(exitConfig)
		case errors.Is(err, app.ErrStorageInit):
			os.Exit(exitStorage)
		default:
			os.Exit(exitRuntime)
		}
	}
}
