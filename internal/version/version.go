// Package version holds build version metadata for the arkham binary.
package version

import "fmt"

// Overridden at build time via -ldflags "-X ...".
var (
	Version = "0.1.0-dev"
	Commit  = "unknown"
)

// String returns the human-readable version line printed by `arkham --version`.
func String() string {
	return fmt.Sprintf("arkham %s (%s)", Version, Commit)
}
