package common

import (
	"fmt"
	"runtime/debug"
	"sync"
)

// Set via -ldflags "-X github.com/ternarybob/corpus/internal/common.Version=..."
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// BuildInfo describes the running binary. Fields left at their ldflags
// defaults are filled from the module build info when the binary was built
// from a VCS checkout.
type BuildInfo struct {
	Version   string `json:"version"`
	Build     string `json:"build"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
	Modified  bool   `json:"modified,omitempty"`
}

var (
	buildInfoOnce sync.Once
	buildInfo     BuildInfo
)

// GetBuildInfo resolves the build metadata once per process
func GetBuildInfo() BuildInfo {
	buildInfoOnce.Do(func() {
		buildInfo = resolveBuildInfo(Version, Build, GitCommit, debug.ReadBuildInfo)
	})
	return buildInfo
}

func resolveBuildInfo(version, build, commit string, read func() (*debug.BuildInfo, bool)) BuildInfo {
	info := BuildInfo{Version: version, Build: build, GitCommit: commit}
	bi, ok := read()
	if !ok {
		return info
	}
	info.GoVersion = bi.GoVersion
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.GitCommit == "unknown" {
				info.GitCommit = s.Value
			}
		case "vcs.time":
			if info.Build == "unknown" {
				info.Build = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

// GetVersion returns the version reported to clients
func GetVersion() string {
	return GetBuildInfo().Version
}

// String renders the version line used by --version and the startup log
func (b BuildInfo) String() string {
	commit := b.GitCommit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if b.Modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (build: %s, commit: %s)", b.Version, b.Build, commit)
}
