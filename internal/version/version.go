// Package version holds build information set with -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the release tag or branch name
	Version = "dev"

	// GitCommit is the short git commit SHA
	GitCommit = "unknown"

	// BuildDate is the build timestamp
	BuildDate = "unknown"
)

// Info is reported by the health endpoint
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

func GetInfo() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// UserAgent identifies this build to the mail server
func UserAgent() string {
	return "gotrs-mail/" + Version
}

// Full returns the full version string with all details.
func Full() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, %s)", Version, GitCommit, BuildDate, runtime.Version())
}
