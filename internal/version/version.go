package version

import "fmt"

// Set at build time with -ldflags "-X".
var (
	CLIName    = "lpmint"
	CLIVersion = "0.3.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s %s (commit: %s, built: %s)", CLIName, CLIVersion, Commit, BuildDate)
}
