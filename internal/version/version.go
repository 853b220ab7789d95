package version

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/babelcloud/gbox/packages/recorder/internal/version.Version=..."
var (
	Version   = "dev"
	BuildTime = "unknown" // RFC 3339
	CommitID  = "unknown"
)

// Info describes the running gbox-recorder binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get returns the build information of this binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    CommitID,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Built returns the build time in a human readable form, or the raw value
// when it is not RFC 3339.
func (i Info) Built() string {
	t, err := time.Parse(time.RFC3339, i.BuildTime)
	if err != nil {
		return i.BuildTime
	}
	return t.Local().Format("Mon Jan 2 15:04:05 2006")
}

// String is the one-line form printed by --version.
func (i Info) String() string {
	return fmt.Sprintf("gbox-recorder %s, build %s (%s)", i.Version, i.Commit, i.Platform)
}
