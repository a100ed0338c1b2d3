package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tradelab/paramopt/internal/cli"
)

func main() {
	command := NewParamoptCtlCommand()
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func NewParamoptCtlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paramopt [flags] [options]",
		Short: "paramopt controls the strategy optimization service.",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(1)
		},
	}
	cmd.AddCommand(cli.NewCmdSubmit())
	cmd.AddCommand(cli.NewCmdGet())
	cmd.AddCommand(cli.NewCmdCancel())
	cmd.AddCommand(cli.NewCmdSweep())
	cmd.AddCommand(cli.NewCmdConfigure())

	return cmd
}
