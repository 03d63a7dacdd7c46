package obs

import (
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gallery_build_info",
			Help: "Gallery API build information; always 1.",
		},
		[]string{"version", "commit", "go_version", "modified"},
	)
)

// Build identifies the running binary.
type Build struct {
	Version   string
	Commit    string
	GoVersion string
	Modified  bool
}

// InitBuildInfo publishes gallery_build_info for the running binary and
// returns the resolved labels. A "dev" or empty commit is replaced by the
// VCS revision stamped by the go tool, when present.
func InitBuildInfo(version, commit string) Build {
	info, _ := debug.ReadBuildInfo()
	b := resolveBuild(version, commit, info)

	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	modified := "false"
	if b.Modified {
		modified = "true"
	}
	buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion, modified).Set(1)
	return b
}

func resolveBuild(version, commit string, info *debug.BuildInfo) Build {
	b := Build{Version: version, Commit: commit, GoVersion: runtime.Version()}
	if info == nil {
		return b
	}
	if info.GoVersion != "" {
		b.GoVersion = info.GoVersion
	}
	if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" || b.Commit == "dev" {
				b.Commit = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}
