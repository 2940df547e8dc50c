// Package buildinfo contains application metadata that can be set at build time.
//
// For release builds, use ldflags to set the version:
//
//	go build -ldflags "\
//	  -X github.com/dotside-studios/tagsync-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/dotside-studios/tagsync-agent/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"runtime"
	"strings"
)

// Application metadata, overridable via ldflags.
var (
	Name = "tagsync-agent"

	// DirName is the config and data directory name within user paths.
	DirName = "tagsync-agent"

	// DisplayName is used for mDNS and log output.
	DisplayName = "Tagsync Agent"

	Description = "BLE tracker tag service with location sync"

	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)

// FullVersion returns the version string with optional commit info, e.g.
// "1.0.0 (abc1234)".
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns the User-Agent sent to the backend.
// Example: "tagsync-agent/1.0.0 (linux/amd64)"
func UserAgent() string {
	return fmt.Sprintf("%s/%s (%s/%s)", Name, Version, runtime.GOOS, runtime.GOARCH)
}

// BuildInfo returns a multi-line string with full build information.
func BuildInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", Name, FullVersion())
	fmt.Fprintf(&b, "  %s\n", Description)
	fmt.Fprintf(&b, "  Go: %s\n", runtime.Version())
	fmt.Fprintf(&b, "  OS/Arch: %s/%s", runtime.GOOS, runtime.GOARCH)
	if BuildTime != "" {
		fmt.Fprintf(&b, "\n  Built: %s", BuildTime)
	}
	return b.String()
}

// IsDev reports whether this is a development build.
func IsDev() bool {
	return Version == "dev"
}
