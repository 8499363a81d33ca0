// Package buildinfo reports what build of Switchboard is running.
// Release builds stamp the variables below with -ldflags; plain
// "go build" binaries fall back to the VCS settings the Go toolchain
// embeds.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// Set with -ldflags "-X github.com/nugget/switchboard/internal/buildinfo.Version=...".
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

// fillFromVCS replaces unstamped commit and build time with the values
// recorded by the toolchain, if any.
func fillFromVCS() {
	vcsOnce.Do(func() {
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if GitCommit == "unknown" && len(s.Value) >= 7 {
					GitCommit = s.Value[:7]
				}
			case "vcs.time":
				if BuildTime == "unknown" {
					BuildTime = s.Value
				}
			}
		}
	})
}

// Info returns build and runtime details keyed for JSON output.
func Info() map[string]string {
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

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent identifies this build to the conversational backend.
func UserAgent() string {
	fillFromVCS()
	return fmt.Sprintf("Switchboard/%s (+%s; %s/%s)", Version, GitCommit, runtime.GOOS, runtime.GOARCH)
}

// String is the one-line summary printed by "switchboard version".
func String() string {
	fillFromVCS()
	return fmt.Sprintf("Switchboard %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
