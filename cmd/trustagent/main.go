package main

import (
	"fmt"
	"os"

	"github.com/roach88/trustagent/internal/cli"
)

// Set via ldflags during build.
var version = "dev"

func main() {
	cmd := cli.NewRootCommand()
	cmd.Version = version
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
