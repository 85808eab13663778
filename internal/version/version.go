// SPDX-License-Identifier: MIT

// Package version carries build identification injected via ldflags.
package version

var (
	// Version is the daemon version, set by the build system.
	Version = "dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)

// String formats the full build identification.
func String() string {
	return Version + " (commit: " + Commit + ", built: " + Date + ")"
}
