// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command tree for the scs binary.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/shared-context-server/pkg/config"
	"github.com/stacklok/shared-context-server/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "scs",
	DisableAutoGenTag: true,
	Short:             "Shared context server for multi-agent coordination over MCP",
	Long: `scs runs a Model Context Protocol server that lets multiple AI agents
share sessions, exchange visibility-scoped messages, persist memory across
sessions, and search shared context with fuzzy matching.

State lives in a single SQLite database. Agents authenticate with a transport
API key and receive short-lived protected tokens carrying their permissions.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// Runs after flag parsing so --debug is visible to the logger.
		logger.Initialize()
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd assembles the scs command tree.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	serveCmd.Flags().String("transport", string(config.TransportStdio),
		`MCP transport: "stdio" or "http"`)
	serveCmd.Flags().String("host", config.DefaultHTTPHost, "HTTP listen host")
	serveCmd.Flags().Int("port", config.DefaultHTTPPort, "HTTP listen port")
	serveCmd.Flags().String("database-url", "./chat_history.db", "SQLite database path or URL")
	_ = viper.BindPFlag("MCP_TRANSPORT", serveCmd.Flags().Lookup("transport"))
	_ = viper.BindPFlag("HTTP_HOST", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("HTTP_PORT", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("DATABASE_URL", serveCmd.Flags().Lookup("database-url"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
