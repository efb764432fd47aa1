package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetkey/fleetkey/cmd/fleetkey/commands"
	"github.com/fleetkey/fleetkey/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFile string
		noColor    bool
		debug      bool
	)

	env := &commands.Env{}

	rootCmd := &cobra.Command{
		Use:   "fleetkey",
		Short: "Fleet credential rotation - rotate device keys at scale",
		Long: `fleetkey tracks per-device credential rotation state, queues rotations
across the fleet, and parks stuck handshakes for operator attention.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.ConfigPath = configFile
			env.Logger = logging.New(debug, noColor)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "fleetkey.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewServeCommand(env),
		commands.NewSweepCommand(env),
		commands.NewRotateCommand(env),
		commands.NewStatusCommand(env),
		commands.NewSchemaCommand(env),
	)

	return rootCmd.Execute()
}
