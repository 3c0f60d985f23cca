// SPDX-License-Identifier: MIT

// Package version carries build metadata injected at link time.
package version

import "fmt"

var (
	// Version is the release tag, set via ldflags.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the full build identity.
func String() string {
	return fmt.Sprintf("smsgw %s (commit: %s, built: %s)", Version, Commit, Date)
}
