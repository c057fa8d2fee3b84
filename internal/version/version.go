// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package version records the build identity of the claudia binaries.
//
// Release builds override Version (and optionally Commit) via:
//
//	go build -ldflags "-X github.com/claudiahq/claudia/internal/version.Version=1.2.0"
package version

import "fmt"

var (
	// Version is the semantic version of this build.
	Version = "0.9.0-dev"

	// Commit is the VCS revision this build was produced from, when known.
	Commit = ""
)

// String returns the version, with the commit appended when available.
func String() string {
	if Commit == "" {
		return Version
	}
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
