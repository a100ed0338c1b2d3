package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tradelab/paramopt/internal/client"
)

type GlobalOptions struct {
	ConfigFilePath string
	ServerUrl      string
}

func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		ConfigFilePath: client.DefaultClientConfigPath(),
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ConfigFilePath, "config", "c", o.ConfigFilePath, "Path to the client config file")
	fs.StringVarP(&o.ServerUrl, "server-url", "u", o.ServerUrl, "Address of the server, overrides the config file")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	return nil
}

func (o *GlobalOptions) Client() (*client.Client, error) {
	config, err := client.LoadConfig(o.ConfigFilePath)
	if err != nil {
		return nil, err
	}
	if o.ServerUrl != "" {
		config.Service.Server = o.ServerUrl
		if err := config.Validate(); err != nil {
			return nil, err
		}
	}
	return client.NewFromConfig(config), nil
}
