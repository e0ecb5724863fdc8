// Package version exposes build metadata set at link time.
package version

import "fmt"

var (
	// Version is the semantic version, overridden via -ldflags.
	Version = "dev"
	// Commit is the short git SHA of the build.
	Commit = "unknown"
)

// GetInfo returns a human-readable version string.
func GetInfo() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}
