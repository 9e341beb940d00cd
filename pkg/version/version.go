// Package version holds build metadata injected at link time via -ldflags.
package version

var (
	// Version is the semantic version of the build.
	Version = "0.3.0"
	// GitCommit is the short hash of the commit the binary was built from.
	GitCommit = "unknown"
	// BuildTime is the UTC timestamp of the build.
	BuildTime = "unknown"
)
