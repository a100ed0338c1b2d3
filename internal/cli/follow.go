package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/client"
)

type progressReader interface {
	GetJobProgress(ctx context.Context, id uuid.UUID) (*api.Progress, error)
	GetJob(ctx context.Context, id uuid.UUID) (*api.Job, error)
}

// followProgress prints a line whenever the progress moves and returns once the
// job is finished. A failed or cancelled job is reported as an error.
func followProgress(ctx context.Context, c progressReader, id uuid.UUID, interval time.Duration, out io.Writer) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		p, err := c.GetJobProgress(ctx, id)
		switch {
		case client.IsStatus(err, http.StatusNotFound):
			// no snapshot before a worker picks the job up
		case err != nil:
			return fmt.Errorf("reading progress: %w", err)
		default:
			line := fmt.Sprintf("%5.1f%% %s", p.OverallPercentage, p.StepName)
			if p.BestScoreSoFar != nil {
				line += fmt.Sprintf(" best=%.4f", *p.BestScoreSoFar)
			}
			if line != last {
				fmt.Fprintln(out, line)
				last = line
			}
			if p.IsComplete {
				return finalStatus(ctx, c, id, out)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func finalStatus(ctx context.Context, c progressReader, id uuid.UUID, out io.Writer) error {
	job, err := c.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("reading job: %w", err)
	}
	switch job.Status {
	case api.JobStatusCompleted:
		if job.Result != nil {
			fmt.Fprintf(out, "completed best_score=%.4f best_params=%v\n", job.Result.BestScore, job.Result.BestParams)
		}
		return nil
	case api.JobStatusQueued, api.JobStatusRunning:
		// progress finished ahead of the status transition
		fmt.Fprintf(out, "%s\n", job.Status)
		return nil
	default:
		return fmt.Errorf("job %s %s: %s", id, job.Status, valueOr(job.Error, valueOr(job.StatusNote, "no details")))
	}
}
