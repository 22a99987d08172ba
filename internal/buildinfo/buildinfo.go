// Package buildinfo holds version and build metadata. Release builds
// stamp it via -ldflags; plain "go build" and "go install" builds fall
// back to the VCS settings the toolchain embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// vcs holds what the toolchain recorded about the source tree.
type vcs struct {
	revision string
	time     string
	modified bool
}

var readVCS = sync.OnceValue(func() vcs {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return vcs{}
	}
	return vcsFromSettings(bi.Settings)
})

func vcsFromSettings(settings []debug.BuildSetting) vcs {
	var v vcs
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			v.revision = s.Value
		case "vcs.time":
			v.time = s.Value
		case "vcs.modified":
			v.modified = s.Value == "true"
		}
	}
	return v
}

// Commit returns the short source revision, preferring the ldflags
// value. A "+dirty" suffix marks builds from a modified tree.
func Commit() string {
	return commitFrom(GitCommit, readVCS())
}

func commitFrom(stamped string, v vcs) string {
	if stamped != "unknown" && stamped != "" {
		return stamped
	}
	if v.revision == "" {
		return "unknown"
	}
	rev := v.revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if v.modified {
		rev += "+dirty"
	}
	return rev
}

// Built returns the build time, falling back to the commit time.
func Built() string {
	if BuildTime != "unknown" && BuildTime != "" {
		return BuildTime
	}
	if t := readVCS().time; t != "" {
		return t
	}
	return "unknown"
}

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": Commit(),
		"git_branch": GitBranch,
		"build_time": Built(),
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

// UserAgent is sent on outbound requests that do not set their own.
// The Sign In App client always overrides it with the companion app's
// value.
func UserAgent() string {
	return "signinbridge/" + Version
}

// String returns a one-line summary for logging.
func String() string {
	return fmt.Sprintf("signinbridge %s (%s@%s) built %s", Version, Commit(), GitBranch, Built())
}
