package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tradelab/paramopt/internal/client"
)

type ConfigureOptions struct {
	GlobalOptions
}

func NewCmdConfigure() *cobra.Command {
	o := &ConfigureOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "configure SERVER_URL",
		Short: "Write the client config file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ConfigureOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFilePath, "config", "c", o.ConfigFilePath, "Path to the client config file")
}

func (o *ConfigureOptions) Run(ctx context.Context, args []string) error {
	if err := client.WriteConfig(o.ConfigFilePath, args[0]); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", o.ConfigFilePath)
	return nil
}
