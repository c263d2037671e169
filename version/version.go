// Package version reports the turboclaude SDK version.
// Version variables can be overridden at build time using ldflags:
//
//	go build -ldflags "-X github.com/Epistates/turboclaude-sub003/version.version=1.0.0"
package version

import (
	"runtime"
	"runtime/debug"
)

const (
	devVersion   = "dev"
	modulePath   = "github.com/Epistates/turboclaude-sub003"
	userAgentTag = "turboclaude-go"
)

// Build-time variables, overridable with -ldflags.
var (
	version   = devVersion
	gitCommit = ""
)

// GetVersion returns the current version string.
// Falls back to the module version recorded in the build info when not set via ldflags.
func GetVersion() string {
	if version != devVersion {
		return version
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return devVersion
	}
	if info.Main.Path == modulePath && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath && dep.Version != "" {
			return dep.Version
		}
	}
	return devVersion
}

// Commit returns the git commit the SDK was built from, if known.
func Commit() string {
	return gitCommit
}

// UserAgent returns the User-Agent header value sent on every HTTP request,
// e.g. "turboclaude-go/1.2.0 (go1.22.1; linux/amd64)".
func UserAgent() string {
	return userAgentTag + "/" + GetVersion() + " (" + runtime.Version() + "; " + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
