package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thoas/go-funk"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/client"
)

type GetOptions struct {
	GlobalOptions

	Output   string
	Status   []string
	Strategy string
	Limit    int

	out io.Writer
}

func DefaultGetOptions() *GetOptions {
	return &GetOptions{
		GlobalOptions: DefaultGlobalOptions(),
		out:           os.Stdout,
	}
}

func NewCmdGet() *cobra.Command {
	o := DefaultGetOptions()
	cmd := &cobra.Command{
		Use:   "get (TYPE | TYPE/ID)",
		Short: "Display one or many resources.",
		Long:  "Display jobs, job progress, job events or presets. progress and events need a job ID.",
		Example: "  paramopt get jobs --status running\n" +
			"  paramopt get job/5f0c...\n" +
			"  paramopt get progress/5f0c... -o yaml",
		Args: cobra.ExactArgs(1),
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

func (o *GetOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.StringVarP(&o.Output, "output", "o", o.Output, fmt.Sprintf("Output format. One of: (%s).", strings.Join(legalOutputTypes, ", ")))
	fs.StringSliceVar(&o.Status, "status", o.Status, "Only list jobs in these statuses")
	fs.StringVar(&o.Strategy, "strategy", o.Strategy, "Only list jobs of this strategy")
	fs.IntVar(&o.Limit, "limit", o.Limit, "Maximum number of jobs to list")
}

func (o *GetOptions) Complete(cmd *cobra.Command, args []string) error {
	return o.GlobalOptions.Complete(cmd, args)
}

func (o *GetOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}

	kind, id, err := parseAndValidateKindId(args[0])
	if err != nil {
		return err
	}
	if (kind == ProgressKind || kind == EventKind) && id == nil {
		return fmt.Errorf("%s needs a job ID: %s/ID", kind, kind)
	}
	if kind == PresetKind && id != nil {
		return fmt.Errorf("presets are listed by name, not ID")
	}

	allowed := []string{string(api.JobStatusQueued), string(api.JobStatusRunning), string(api.JobStatusCompleted), string(api.JobStatusFailed), string(api.JobStatusCancelled)}
	for _, s := range o.Status {
		if !funk.ContainsString(allowed, s) {
			return fmt.Errorf("unknown status %q", s)
		}
	}
	if o.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	return validateOutput(o.Output)
}

func (o *GetOptions) Run(ctx context.Context, args []string) error {
	c, err := o.Client()
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	kind, id, err := parseAndValidateKindId(args[0])
	if err != nil {
		return err
	}

	var response any
	switch {
	case kind == JobKind && id != nil:
		response, err = c.GetJob(ctx, *id)
	case kind == JobKind:
		response, err = c.ListJobs(ctx, client.ListJobsParams{
			Status:   statuses(o.Status),
			Strategy: o.Strategy,
			Limit:    o.Limit,
		})
	case kind == ProgressKind:
		response, err = c.GetJobProgress(ctx, *id)
	case kind == EventKind:
		response, err = c.ListJobEvents(ctx, *id)
	case kind == PresetKind:
		response, err = c.ListPresets(ctx)
	default:
		return fmt.Errorf("unsupported resource kind: %s", kind)
	}

	if err != nil {
		if id == nil {
			return fmt.Errorf("listing %s: %w", plural(kind), err)
		}
		return fmt.Errorf("reading %s/%s: %w", kind, id, err)
	}

	if o.Output != "" {
		marshalled, err := marshal(response, o.Output)
		if err != nil {
			return fmt.Errorf("marshalling resource: %w", err)
		}
		fmt.Fprintf(o.out, "%s\n", string(marshalled))
		return nil
	}
	return printTable(o.out, response)
}

func printTable(out io.Writer, response any) error {
	w := tabwriter.NewWriter(out, 0, 8, 1, '\t', 0)
	switch r := response.(type) {
	case *api.Job:
		printJobsTable(w, *r)
	case api.JobList:
		printJobsTable(w, r...)
	case *api.Progress:
		printProgressTable(w, *r)
	case []api.JobEvent:
		printEventsTable(w, r)
	case api.PresetList:
		printPresetsTable(w, r)
	default:
		return fmt.Errorf("unknown resource type %T", response)
	}
	return w.Flush()
}

func printJobsTable(w io.Writer, jobs ...api.Job) {
	fmt.Fprintln(w, "ID\tSTATUS\tSTRATEGY\tSYMBOL\tOPTIMIZER\tBEST SCORE\tCREATED")
	for _, j := range jobs {
		best := "-"
		if j.Result != nil {
			best = fmt.Sprintf("%.4f", j.Result.BestScore)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			j.Id, j.Status, j.Strategy, j.Dataset.Symbol, j.Dataset.Timeframe, j.Optimizer, best, j.CreatedAt.Format(time.RFC3339))
	}
}

func printProgressTable(w io.Writer, p api.Progress) {
	fmt.Fprintln(w, "JOB\tOVERALL\tSTEP\tSTEP %\tITERATION\tBEST SCORE\tCOMPLETE")
	iteration := "-"
	if p.Iteration != nil {
		iteration = fmt.Sprintf("%d/%s", *p.Iteration, valueOr(p.TotalIterations, "?"))
	}
	fmt.Fprintf(w, "%s\t%.1f%%\t%s (%d/%d)\t%.1f%%\t%s\t%s\t%t\n",
		p.JobId, p.OverallPercentage, p.StepName, p.StepIndex, p.TotalSteps, p.StepPercentage, iteration, valueOr(p.BestScoreSoFar, "-"), p.IsComplete)
	if p.Error != nil {
		fmt.Fprintf(w, "error: %s\n", *p.Error)
	}
}

func printEventsTable(w io.Writer, events []api.JobEvent) {
	fmt.Fprintln(w, "TIME\tFROM\tTO\tREASON")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.From, e.To, e.Reason)
	}
}

func printPresetsTable(w io.Writer, presets api.PresetList) {
	sort.SliceStable(presets, func(i, j int) bool {
		if presets[i].Strategy != presets[j].Strategy {
			return presets[i].Strategy < presets[j].Strategy
		}
		return presets[i].Name < presets[j].Name
	})
	fmt.Fprintln(w, "STRATEGY\tNAME\tPARAMETERS\tDESCRIPTION")
	for _, p := range presets {
		names := funk.Map(p.ParameterSpace.Parameters, func(param api.Parameter) string { return param.Name }).([]string)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Strategy, p.Name, strings.Join(names, ","), p.Description)
	}
}

func statuses(in []string) []api.JobStatus {
	out := make([]api.JobStatus, 0, len(in))
	for _, s := range in {
		out = append(out, api.JobStatus(s))
	}
	return out
}
