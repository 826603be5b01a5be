package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time with -ldflags "-X github.com/MEKXH/ccapproval/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				Commit = setting.Value[:7]
			}
		}
	}
}

// String renders the version line printed by the CLI.
func String() string {
	if Commit == "" {
		return fmt.Sprintf("ccapproval %s (%s)", Version, runtime.Version())
	}
	return fmt.Sprintf("ccapproval %s (%s, %s)", Version, Commit, runtime.Version())
}
