package main

import (
	"os"

	"github.com/rtfleet/rtdeploy/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(cli.ExitCode(cli.Execute(version)))
}
