package main

import (
	"fmt"
	"os"

	"github.com/roach88/procflow/internal/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	root := cli.NewRootCommand()
	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("procflow version %s\n", version))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "procflow: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
