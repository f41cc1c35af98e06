// Package version holds build information injected with
//
//	go build -ldflags "-X github.com/jmylchreest/hubstream/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/hubstream/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/hubstream/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// ApplicationName is used in logs, user agents and CLI output.
const ApplicationName = "hubstream"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// GetInfo returns all version information.
func GetInfo() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String is the long form printed by `hubstream version`.
func String() string {
	info := GetInfo()
	return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s)",
		ApplicationName, info.Version, shortCommit(), info.Date, info.GoVersion, info.Platform)
}

// Short is printed by --version.
func Short() string {
	return fmt.Sprintf("%s %s (%s)", ApplicationName, Version, shortCommit())
}

// UserAgent identifies the relay to RTSP cameras.
func UserAgent() string {
	return ApplicationName + "/" + Version
}

func shortCommit() string {
	if len(Commit) >= 8 {
		return Commit[:8]
	}
	return Commit
}
