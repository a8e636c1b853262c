// Package version provides build version information.
package version

import (
	"fmt"
	"runtime"
)

// Build information. Populated at build-time via -ldflags:
//
//	go build -ldflags "-X github.com/teranos/RONIN/version.Version=v0.3.0 \
//	  -X github.com/teranos/RONIN/version.CommitHash=$(git rev-parse HEAD) \
//	  -X github.com/teranos/RONIN/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info contains version information
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current version information
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String returns a human-readable version string
func (i Info) String() string {
	return fmt.Sprintf("ronin %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the first 7 characters of the commit hash
func (i Info) Short() string {
	if len(i.CommitHash) >= 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
