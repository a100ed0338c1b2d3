package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/tradelab/paramopt/internal/config"
)

type Client struct {
	*river.Client[pgx.Tx]
	queue       string
	maxAttempts int
}

var _ Queue = (*Client)(nil)

// NewClient builds an insert only client when runner is nil, which is what the
// api server uses. Worker processes pass the orchestrator and call Start.
func NewClient(pool *pgxpool.Pool, cfg *config.Config, runner Runner) (*Client, error) {
	riverCfg := &river.Config{
		// the sweeper needs finished rows to tell completed from discarded
		CancelledJobRetentionPeriod: 7 * 24 * time.Hour,
		CompletedJobRetentionPeriod: 7 * 24 * time.Hour,
		DiscardedJobRetentionPeriod: 7 * 24 * time.Hour,
	}
	if runner != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, NewOptimizationWorker(runner, cfg.Worker.JobTimeout))
		riverCfg.Workers = workers
		// one job per worker process
		riverCfg.Queues = map[string]river.QueueConfig{
			cfg.Queue.Name: {MaxWorkers: 1},
		}
		riverCfg.FetchCooldown = 100 * time.Millisecond
		riverCfg.FetchPollInterval = time.Second
	}

	riverClient, err := river.NewClient(riverpgxv5.New(pool), riverCfg)
	if err != nil {
		return nil, err
	}

	return &Client{Client: riverClient, queue: cfg.Queue.Name, maxAttempts: cfg.Queue.MaxAttempts}, nil
}

func (c *Client) Enqueue(ctx context.Context, jobID uuid.UUID) (int64, error) {
	result, err := c.Insert(ctx, OptimizationArgs{JobID: jobID.String()}, &river.InsertOpts{
		Queue:       c.queue,
		MaxAttempts: c.maxAttempts,
	})
	if err != nil {
		return 0, err
	}
	return result.Job.ID, nil
}

func (c *Client) Status(ctx context.Context, ref int64) (State, error) {
	row, err := c.JobGet(ctx, ref)
	if err != nil {
		if errors.Is(err, rivertype.ErrNotFound) {
			return StateNotFound, nil
		}
		return "", err
	}
	return StateOf(row.State), nil
}

func (c *Client) Cancel(ctx context.Context, ref int64) error {
	if _, err := c.JobCancel(ctx, ref); err != nil {
		if errors.Is(err, rivertype.ErrNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	return nil
}
