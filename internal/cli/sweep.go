package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type SweepOptions struct {
	GlobalOptions

	Output string

	out io.Writer
}

func DefaultSweepOptions() *SweepOptions {
	return &SweepOptions{
		GlobalOptions: DefaultGlobalOptions(),
		out:           os.Stdout,
	}
}

func NewCmdSweep() *cobra.Command {
	o := DefaultSweepOptions()
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile job records with the queue and the worker processes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), args)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *SweepOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.Output, "output", "o", o.Output, "Output format. One of: (json, yaml).")
}

func (o *SweepOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	return validateOutput(o.Output)
}

func (o *SweepOptions) Run(ctx context.Context, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	res, err := c.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("running sweep: %w", err)
	}

	if o.Output != "" {
		marshalled, err := marshal(res, o.Output)
		if err != nil {
			return fmt.Errorf("marshalling result: %w", err)
		}
		fmt.Fprintf(o.out, "%s\n", string(marshalled))
		return nil
	}

	fmt.Fprintf(o.out, "inspected %d, completed %d, failed %d, orphaned %d\n", res.Inspected, res.SyncedCompleted, res.SyncedFailed, res.Orphaned)
	for _, e := range res.Errors {
		fmt.Fprintf(o.out, "error: %s\n", e)
	}
	return nil
}
