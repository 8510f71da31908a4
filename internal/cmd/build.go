package cmd

import (
	"fmt"
	goruntime "runtime"
	"runtime/debug"

	"github.com/dotcommander/yagent/internal/storage"
)

// BuildInfo is set by the release build through ldflags.
type BuildInfo struct {
	Version   string
	CommitSHA string
}

// versionTemplate is the cobra version template: name, version, short
// commit, Go version and platform.
func versionTemplate(b BuildInfo) string {
	v := "{{.Name}} {{.Version}}"
	if len(b.CommitSHA) > storage.IDShort {
		v += " (" + storage.ShortID(b.CommitSHA) + ")"
	}
	return v + fmt.Sprintf(" %s %s/%s\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
}

// normalizeBuildInfo fills missing fields from the VCS data the Go
// toolchain embeds in the binary.
func normalizeBuildInfo(b BuildInfo) BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		if b.Version == "" {
			b.Version = "unknown"
		}
		return b
	}
	if b.Version == "" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}

	settings := map[string]string{}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if b.CommitSHA == "" {
		b.CommitSHA = rev
	}
	if b.Version == "" {
		b.Version = "dev"
		if rev != "" {
			b.Version += "-" + storage.ShortID(rev)
		}
		if settings["vcs.modified"] == "true" {
			b.Version += "-dirty"
		}
	}
	return b
}
