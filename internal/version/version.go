// Package version reports the exthmr build: the version stamped with
// -ldflags, falling back to the module and VCS data the Go toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// BuildInfo contains version and build information
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Platform  string    `json:"platform"`
	BuildUser string    `json:"build_user,omitempty"`
}

// These variables are set at build time using -ldflags, e.g.
//
//	-X github.com/conneroisu/exthmr/internal/version.Version=v1.2.0
var (
	Version   = "dev"
	GitCommit = "unknown"
	// BuildTime is RFC3339
	BuildTime = "unknown"
	BuildUser = "unknown"
)

type embedded struct {
	moduleVersion string
	settings      map[string]string
}

var readEmbedded = sync.OnceValue(func() embedded {
	e := embedded{settings: make(map[string]string)}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return e
	}
	if info.Main.Version != "(devel)" {
		e.moduleVersion = info.Main.Version
	}
	for _, s := range info.Settings {
		e.settings[s.Key] = s.Value
	}
	return e
})

// GetBuildInfo returns comprehensive build information
func GetBuildInfo() *BuildInfo {
	return &BuildInfo{
		Version:   GetVersion(),
		GitCommit: GetGitCommit(),
		BuildTime: GetBuildTime(),
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		BuildUser: BuildUser,
	}
}

// GetVersion returns the stamped version, the module version, or
// "dev-<commit>" for a VCS build.
func GetVersion() string {
	if Version != "" && Version != "dev" {
		return Version
	}
	e := readEmbedded()
	if e.moduleVersion != "" {
		return e.moduleVersion
	}
	if rev := e.settings["vcs.revision"]; len(rev) >= 7 {
		return "dev-" + rev[:7]
	}
	return "dev"
}

// GetGitCommit returns the git commit hash
func GetGitCommit() string {
	if GitCommit != "" && GitCommit != "unknown" {
		return GitCommit
	}
	if rev := readEmbedded().settings["vcs.revision"]; rev != "" {
		return rev
	}
	return "unknown"
}

// GetBuildTime returns the stamped build time, or the commit time.
func GetBuildTime() time.Time {
	if t := parseISOTime(BuildTime); !t.IsZero() {
		return t
	}
	return parseISOTime(readEmbedded().settings["vcs.time"])
}

// GetShortVersion returns a short version string suitable for display
func GetShortVersion() string {
	v := GetVersion()
	commit := GetGitCommit()
	if len(commit) < 7 || commit == "unknown" || strings.HasPrefix(v, "dev-") {
		return v
	}
	if v == "dev" {
		return "dev-" + commit[:7]
	}
	return fmt.Sprintf("%s (%s)", v, commit[:7])
}

// GetDetailedVersion returns a detailed version string with all build info
func GetDetailedVersion() string {
	info := GetBuildInfo()

	parts := []string{"Version: " + info.Version}
	if info.GitCommit != "unknown" {
		parts = append(parts, "Commit: "+info.GitCommit)
	}
	if !info.BuildTime.IsZero() {
		parts = append(parts, "Built: "+info.BuildTime.Format(time.RFC3339))
	}
	parts = append(parts, "Go: "+info.GoVersion, "Platform: "+info.Platform)
	if info.BuildUser != "unknown" && info.BuildUser != "" {
		parts = append(parts, "User: "+info.BuildUser)
	}
	return strings.Join(parts, "\n")
}

// IsRelease returns true if this is a release build (not dev)
func IsRelease() bool {
	v := GetVersion()
	return v != "dev" && !strings.HasPrefix(v, "dev-")
}

// IsDirty returns true if the working directory was dirty when built
func IsDirty() bool {
	return readEmbedded().settings["vcs.modified"] == "true"
}

// parseISOTime parses an RFC3339 time with or without zone, returning the
// zero time otherwise.
func parseISOTime(s string) time.Time {
	if s == "" || s == "unknown" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
