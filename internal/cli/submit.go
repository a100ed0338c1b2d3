package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"sigs.k8s.io/yaml"
)

type SubmitOptions struct {
	GlobalOptions

	Filename     string
	Seed         int64
	Wait         bool
	PollInterval time.Duration
	Output       string

	out io.Writer
}

func DefaultSubmitOptions() *SubmitOptions {
	return &SubmitOptions{
		GlobalOptions: DefaultGlobalOptions(),
		PollInterval:  2 * time.Second,
		out:           os.Stdout,
	}
}

func NewCmdSubmit() *cobra.Command {
	o := DefaultSubmitOptions()
	cmd := &cobra.Command{
		Use:   "submit -f FILE",
		Short: "Submit an optimization job described in a YAML or JSON file.",
		Args:  cobra.NoArgs,
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

func (o *SubmitOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.Filename, "filename", "f", o.Filename, "Job document, - reads stdin")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "Overrides the seed of the job document")
	fs.BoolVarP(&o.Wait, "wait", "w", o.Wait, "Follow the job progress until it finishes")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "Progress polling interval used with --wait")
	fs.StringVarP(&o.Output, "output", "o", o.Output, "Output format of the created job. One of: (json, yaml).")
}

func (o *SubmitOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *SubmitOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.Filename == "" {
		return fmt.Errorf("a job document is required: -f FILE")
	}
	if o.Wait && o.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	return validateOutput(o.Output)
}

func (o *SubmitOptions) Run(ctx context.Context, args []string) error {
	job, err := readJobDocument(o.Filename)
	if err != nil {
		return err
	}
	if o.Seed != 0 {
		seed := o.Seed
		job.Seed = &seed
	}

	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	created, err := c.CreateJob(ctx, *job)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}

	if o.Output != "" {
		marshalled, err := marshal(created, o.Output)
		if err != nil {
			return fmt.Errorf("marshalling job: %w", err)
		}
		fmt.Fprintf(o.out, "%s\n", string(marshalled))
	} else {
		fmt.Fprintf(o.out, "job/%s %s\n", created.Id, created.Status)
	}

	if !o.Wait {
		return nil
	}
	return followProgress(ctx, c, created.Id, o.PollInterval, o.out)
}

func readJobDocument(filename string) (*api.JobCreate, error) {
	var (
		contents []byte
		err      error
	)
	if filename == "-" {
		contents, err = io.ReadAll(os.Stdin)
	} else {
		contents, err = os.ReadFile(filename)
	}
	if err != nil {
		return nil, fmt.Errorf("reading job document: %w", err)
	}

	job := &api.JobCreate{}
	if err := yaml.UnmarshalStrict(contents, job); err != nil {
		return nil, fmt.Errorf("decoding job document: %w", err)
	}
	return job, nil
}
