/*
Package version holds build-time version information for sni-relay.

Version may be injected at build time via ldflags:

	go build -ldflags "-X .../version.Version=0.1.0"

Otherwise the VCS revision recorded by the Go toolchain is used.
*/
package version

import (
	"fmt"
	"runtime"

	"github.com/carlmjohnson/versioninfo"
)

// Version is the semantic version. Empty means "derive from build info".
var Version = ""

// Short returns just the version.
func Short() string {
	if Version != "" {
		return Version
	}
	return versioninfo.Short()
}

// Full returns a human-readable version string.
func Full() string {
	dirty := ""
	if versioninfo.DirtyBuild {
		dirty = "-dirty"
	}
	return fmt.Sprintf("sni-relay %s (commit: %s%s, built: %s, %s/%s)",
		Short(), short(versioninfo.Revision), dirty, versioninfo.LastCommit.Format("2006-01-02"), runtime.GOOS, runtime.GOARCH)
}

// short truncates a commit hash to 7 characters.
func short(s string) string {
	if len(s) > 7 {
		return s[:7]
	}
	return s
}
