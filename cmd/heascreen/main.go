package main

import (
	"os"

	"github.com/3leaps/heascreen/internal/cmd"
)

// Set by ldflags at build time.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	os.Exit(cmd.Execute())
}
