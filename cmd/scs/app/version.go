// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/shared-context-server/pkg/versions"
)

func newVersionCmd() *cobra.Command {
	var outputJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			if outputJSON {
				payload, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding version info: %w", err)
				}
				cmd.Println(string(payload))
				return nil
			}
			cmd.Printf("scs %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
			return nil
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	return cmd
}
