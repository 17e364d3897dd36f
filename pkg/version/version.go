// Package version holds build information stamped in by linker flags.
package version

import (
	"fmt"
	"runtime"
)

// Build information set by the compiler flags (-ldflags "-X ...").
var (
	// Version is the supervisor's release version.
	Version = "0.1.0"

	// GitCommit is the git commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the time the binary was built.
	BuildTime = "unknown"

	// GoVersion is the version of Go used to build the binary.
	GoVersion = runtime.Version()
)

// FullVersion returns the full version string including git commit and build time.
func FullVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}

// UserAgent returns a string suitable for use as an HTTP User-Agent header.
func UserAgent() string {
	return fmt.Sprintf("jobd/%s", Version)
}
