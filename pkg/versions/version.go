// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package versions reports build version information for the shared context
// server binary.
package versions

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	unknownStr = "unknown"
)

// Set at build time using -ldflags.
var (
	// Version is the release version of the server.
	Version = "dev"
	// Commit is the git commit hash of the build.
	Commit = unknownStr
	// BuildDate is when the binary was built.
	BuildDate = unknownStr
)

// VersionInfo is the payload served by the version command and the
// server://info resource.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetVersionInfo returns the version information, falling back to VCS
// metadata from the Go build info for development builds.
func GetVersionInfo() VersionInfo {
	ver := Version
	commit := Commit
	buildDate := BuildDate

	if strings.HasPrefix(ver, "dev") {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					if commit == unknownStr {
						commit = setting.Value
					}
				case "vcs.time":
					if buildDate == unknownStr {
						buildDate = setting.Value
					}
				}
			}
		}
	}

	if buildDate != unknownStr {
		if t, err := time.Parse(time.RFC3339, buildDate); err == nil {
			buildDate = t.Format("2006-01-02 15:04:05 MST")
		}
	}

	// Development builds carry a synthetic version derived from the commit.
	if ver == "dev" {
		ver = fmt.Sprintf("build-%s", fmt.Sprintf("%.*s", 8, commit))
	}

	return VersionInfo{
		Version:   ver,
		Commit:    commit,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}
