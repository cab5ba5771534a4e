// Package version holds build-time metadata set via -ldflags.
package version

// Version and Commit are overridden at build time with
// -ldflags "-X .../internal/version.Version=... -X .../internal/version.Commit=...".
var (
	Version = "dev"
	Commit  = "unknown"
)
