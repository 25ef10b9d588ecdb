package health

import (
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"
)

var buildInfoPaths = []string{"build.info", "/app/build.info"}

type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"git_commit"`
	BuildTime time.Time `json:"build_time"`
}

// ReadBuildInfo merges, lowest precedence first, the module's VCS stamp,
// the BUILD_* environment variables and a build.info file.
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{Version: "dev", GitCommit: "unknown"}

	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.GitCommit = setting.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					info.BuildTime = t
				}
			}
		}
	}

	info.merge(BuildInfo{
		Version:   os.Getenv("BUILD_VERSION"),
		GitCommit: os.Getenv("BUILD_COMMIT"),
		BuildTime: parseTime(os.Getenv("BUILD_TIME")),
	})

	for _, path := range buildInfoPaths {
		if data, err := os.ReadFile(path); err == nil {
			info.merge(parseBuildInfoFile(string(data)))
			break
		}
	}

	return info
}

func (b BuildInfo) String() string {
	commit := b.GitCommit[:min(len(b.GitCommit), 7)]
	if b.BuildTime.IsZero() {
		return fmt.Sprintf("%s-%s", b.Version, commit)
	}
	return fmt.Sprintf("%s-%s (%s)", b.Version, commit, b.BuildTime.Format("2006-01-02"))
}

func (b *BuildInfo) merge(other BuildInfo) {
	if other.Version != "" {
		b.Version = other.Version
	}
	if other.GitCommit != "" {
		b.GitCommit = other.GitCommit
	}
	if !other.BuildTime.IsZero() {
		b.BuildTime = other.BuildTime
	}
}

// parseBuildInfoFile reads KEY=VALUE lines; '#' starts a comment.
func parseBuildInfoFile(content string) BuildInfo {
	var info BuildInfo

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "VERSION":
			info.Version = value
		case "GIT_COMMIT":
			info.GitCommit = value
		case "BUILD_TIME":
			info.BuildTime = parseTime(value)
		}
	}

	return info
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, value)
	return t
}
