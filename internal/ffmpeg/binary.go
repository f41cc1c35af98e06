// Package ffmpeg locates, builds and supervises the external transcoder.
package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// BinaryEnv overrides the transcoder location.
const BinaryEnv = "HUBSTREAM_FFMPEG_BINARY"

// ResolveBinary returns the transcoder path. An explicitly configured path
// wins; otherwise the search order is BinaryEnv, ./ffmpeg, then PATH.
func ResolveBinary(configured string) (string, error) {
	if configured != "" {
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("configured ffmpeg %q is not executable", configured)
	}
	if env := os.Getenv(BinaryEnv); env != "" && isExecutable(env) {
		return env, nil
	}
	if isExecutable("./ffmpeg") {
		return "./ffmpeg", nil
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("ffmpeg not found in $%s, ./ffmpeg or PATH", BinaryEnv)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// VersionInfo is parsed from `ffmpeg -version`.
type VersionInfo struct {
	Full      string `json:"version"`
	Major     int    `json:"major"`
	Minor     int    `json:"minor"`
	BuildDate string `json:"build,omitempty"`
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// Version runs `ffmpeg -version` and parses the first lines.
func Version(ctx context.Context, ffmpegPath string) (*VersionInfo, error) {
	output, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, err
	}
	return parseVersion(string(output))
}

func parseVersion(output string) (*VersionInfo, error) {
	info := &VersionInfo{}
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Full = parts[2]
				if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.Major, _ = strconv.Atoi(m[1])
					info.Minor, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		}
	}
	if info.Full == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}
