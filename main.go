package main

import (
	"runtime/debug"

	"github.com/marcus/storesync/cmd"
)

// Version is set at release time with -ldflags "-X main.Version=...".
var Version = "dev"

// buildVersion falls back to module and VCS info for unreleased builds:
// the module version for `go install pkg@vX`, else devel+<rev>[+dirty].
func buildVersion(v string) string {
	if v != "" && v != "dev" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if mv := info.Main.Version; mv != "" && mv != "(devel)" {
		return mv
	}

	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return v
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	out := "devel+" + rev
	if dirty {
		out += "+dirty"
	}
	return out
}

func main() {
	cmd.SetVersion(buildVersion(Version))
	cmd.Execute()
}
