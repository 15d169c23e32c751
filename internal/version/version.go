// Package version provides the rtexp version string.
// The version is set at build time via -ldflags.
package version

// Version is the current rtexp version.
// Override at build time: go build -ldflags "-X github.com/flashdb/rtexp/internal/version.Version=0.3.0"
var Version = "0.3.0"

// BuildTime is the build timestamp.
// Override at build time: go build -ldflags "-X github.com/flashdb/rtexp/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var BuildTime = "unknown"
