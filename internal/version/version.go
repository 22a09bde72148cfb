// Package version reports what build of the connector is running.
//
// Release builds stamp the variables with ldflags:
//
//	go build -ldflags "-X github.com/l4z41/ibkr-connector/internal/version.Version=v0.3.0 \
//	                   -X github.com/l4z41/ibkr-connector/internal/version.Commit=$(git rev-parse --short HEAD)" ./cmd/ibkr
//
// Unstamped builds fall back to the VCS data the toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is the build description served by the CLI and the status API.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
	Modified  bool   `json:"modified,omitempty"`
}

// Get returns the build info, filling unstamped fields from the embedded
// build settings when present.
func Get() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	fromBuildInfo(&info, bi)
	return info
}

func fromBuildInfo(info *Info, bi *debug.BuildInfo) {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" {
				info.Commit = shortRevision(s.Value)
			}
		case "vcs.time":
			if info.BuildTime == "unknown" {
				info.BuildTime = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
}

func shortRevision(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// String returns a one-line version string.
func (i Info) String() string {
	s := fmt.Sprintf("ibkr %s (%s) built %s, %s", i.Version, i.Commit, i.BuildTime, i.GoVersion)
	if i.Modified {
		s += ", modified"
	}
	return s
}

// String returns the one-line version string of the running build.
func String() string {
	return Get().String()
}
