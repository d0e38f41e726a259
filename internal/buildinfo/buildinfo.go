// Package buildinfo holds version metadata. Release builds stamp it via
// -ldflags; plain `go build` falls back to the VCS settings the
// toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set at build time via -ldflags "-X .../buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var (
	startTime = time.Now()
	vcsOnce   sync.Once
)

// fillFromVCS replaces unstamped fields with the module's VCS settings.
func fillFromVCS() {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			Version = info.Main.Version
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 12 {
					GitCommit = s.Value[:12]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			case "vcs.modified":
				if s.Value == "true" && GitCommit != "unknown" {
					GitCommit += "-dirty"
				}
			}
		}
	})
}

// BuildInfo returns build and runtime metadata keyed by field name.
func BuildInfo() map[string]string {
	fillFromVCS()
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	fillFromVCS()
	return "marill/" + Version + " (+https://financi.ia)"
}

// String returns a one-line summary for logging.
func String() string {
	fillFromVCS()
	return fmt.Sprintf("Marill %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
