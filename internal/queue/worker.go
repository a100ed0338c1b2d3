package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

const JobKind = "paramopt_optimize"

// OptimizationArgs is stored in river_job.args as JSON.
type OptimizationArgs struct {
	JobID string `json:"job_id"`
}

func (OptimizationArgs) Kind() string {
	return JobKind
}

// Runner executes one optimization job inside the current worker process.
type Runner interface {
	Run(ctx context.Context, jobID uuid.UUID, queueRef int64) error
}

type OptimizationWorker struct {
	river.WorkerDefaults[OptimizationArgs]
	runner  Runner
	timeout time.Duration
}

func NewOptimizationWorker(runner Runner, timeout time.Duration) *OptimizationWorker {
	return &OptimizationWorker{runner: runner, timeout: timeout}
}

func (w *OptimizationWorker) Timeout(job *river.Job[OptimizationArgs]) time.Duration {
	return w.timeout
}

func (w *OptimizationWorker) Work(ctx context.Context, job *river.Job[OptimizationArgs]) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	jobID, err := uuid.Parse(job.Args.JobID)
	if err != nil {
		// a malformed job can never succeed
		return river.JobCancel(fmt.Errorf("invalid job id %q: %w", job.Args.JobID, err))
	}

	return w.runner.Run(ctx, jobID, job.ID)
}
