package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CancelOptions struct {
	GlobalOptions

	Output string

	out io.Writer
}

func DefaultCancelOptions() *CancelOptions {
	return &CancelOptions{
		GlobalOptions: DefaultGlobalOptions(),
		out:           os.Stdout,
	}
}

func NewCmdCancel() *cobra.Command {
	o := DefaultCancelOptions()
	cmd := &cobra.Command{
		Use:   "cancel (ID | job/ID)",
		Short: "Cancel a queued or running job.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
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

func (o *CancelOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.Output, "output", "o", o.Output, "Output format. One of: (json, yaml).")
}

func (o *CancelOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *CancelOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := jobIdArg(args[0]); err != nil {
		return err
	}
	return validateOutput(o.Output)
}

func (o *CancelOptions) Run(ctx context.Context, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	id, err := jobIdArg(args[0])
	if err != nil {
		return err
	}

	res, err := c.CancelJob(ctx, *id)
	if err != nil {
		return fmt.Errorf("cancelling job/%s: %w", id, err)
	}

	if o.Output != "" {
		marshalled, err := marshal(res, o.Output)
		if err != nil {
			return fmt.Errorf("marshalling result: %w", err)
		}
		fmt.Fprintf(o.out, "%s\n", string(marshalled))
		return nil
	}

	fmt.Fprintf(o.out, "job/%s %s\n", res.JobId, res.Status)
	if res.ProcessTerminated {
		fmt.Fprintf(o.out, "terminated worker process %s, pool restarted: %t\n", valueOr(res.Pid, "?"), res.PoolRestarted)
	}
	return nil
}

// jobIdArg accepts a bare job ID or job/ID.
func jobIdArg(arg string) (*uuid.UUID, error) {
	if id, err := uuid.Parse(arg); err == nil {
		return &id, nil
	}
	kind, id, err := parseAndValidateKindId(arg)
	if err != nil {
		return nil, err
	}
	if kind != JobKind || id == nil {
		return nil, fmt.Errorf("only a single job can be cancelled: ID or job/ID")
	}
	return id, nil
}
