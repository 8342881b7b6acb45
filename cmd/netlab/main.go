// Package main is the entry point for the netlab CLI.
//
// It delegates all functionality to the internal/cli package, which defines
// the cobra commands. Build-time variables are injected via ldflags and
// default to "dev", "none" and "unknown" during development.
package main

import (
	"github.com/mmr-tortoise/netlab/internal/cli"
)

// version, commit, and date are set at build time via ldflags
// (-X main.version=...). They back the --version flag output.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	rootCmd := cli.NewRootCommand()
	cli.Execute(rootCmd)
}
