// Package cli provides the command-line interface for simrunner.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"SIMRUNNER_VERBOSE"},
	},
	&cli.BoolFlag{
		Name:  "no-ansi",
		Usage: "Disable ANSI colors",
	},
}

// Execute runs the CLI.
func Execute() {
	app := &cli.App{
		Name:    "simrunner",
		Usage:   "Run app test suites on ephemeral iOS simulators",
		Version: Version,
		Description: `simrunner creates a fresh simulator, installs the app under test,
runs its test suite, and retries on infrastructure failures.

Examples:
  simrunner run --bundle-id com.example.AppTests --device-type "iPhone 15"
  simrunner run --config config.yaml --output ./results
  simrunner devices`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			runCommand,
			devicesCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
