package main

import "github.com/spf13/cobra"

// workerCommand is the subcommand the supervisor starts worker processes with.
// The process inspector recognizes workers by it.
const workerCommand = "worker"

var (
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:          "paramopt-api",
	Short:        "Strategy parameter optimization service",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sweepCmd)

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Overrides PARAMOPT_LOG_LEVEL")
}
