package cancellation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/events"
	"github.com/tradelab/paramopt/internal/process"
	"github.com/tradelab/paramopt/internal/progress"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/util"
	"github.com/tradelab/paramopt/pkg/log"
	"github.com/tradelab/paramopt/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const cancelledMessage = "cancelled"

var ErrJobAlreadyFinished = errors.New("job already finished")

// Pool is the local worker pool.
type Pool interface {
	PIDs() []int
	Restart(ctx context.Context) error
}

type Result struct {
	JobID             uuid.UUID         `json:"job_id"`
	QueueSignalled    bool              `json:"queue_signalled"`
	ProcessTerminated bool              `json:"process_terminated"`
	PID               *int              `json:"pid,omitempty"`
	PoolRestarted     bool              `json:"pool_restarted"`
	Status            model.JobStatus   `json:"status"`
	Sweep             *reconcile.Report `json:"sweep,omitempty"`
}

type Options struct {
	Host string
	// CPUThreshold is the cpu percentage above which a worker counts as busy.
	CPUThreshold float64
	SampleWindow time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	host, _, _ := util.WorkerIdentity()
	return Options{
		Host:         host,
		CPUThreshold: cfg.Cancel.CPUThreshold,
		SampleWindow: cfg.Cancel.SampleWindow,
	}
}

// Coordinator cancels jobs without the cooperation of the worker running them.
type Coordinator struct {
	store     store.Store
	queue     queue.Queue
	inspector process.Inspector
	pool      Pool
	sweeper   *reconcile.Sweeper
	events    events.Emitter
	opts      Options
	logger    *log.StructuredLogger
}

func NewCoordinator(s store.Store, q queue.Queue, inspector process.Inspector, pool Pool, sweeper *reconcile.Sweeper, emitter events.Emitter, opts Options) *Coordinator {
	return &Coordinator{
		store:     s,
		queue:     q,
		inspector: inspector,
		pool:      pool,
		sweeper:   sweeper,
		events:    emitter,
		opts:      opts,
		logger:    log.NewDebugLogger("cancellation"),
	}
}

// Cancel signals the queue, kills the worker process running the job when it
// can be found, records the cancellation and finishes with a sweep.
func (c *Coordinator) Cancel(ctx context.Context, jobID uuid.UUID) (*Result, error) {
	tracer := c.logger.WithContext(ctx).Operation("cancel_job").WithUUID("job_id", jobID).Build()

	job, err := c.store.Job().Get(ctx, jobID)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}
	if job.Status.IsTerminal() {
		err := fmt.Errorf("%w: job %s is %s", ErrJobAlreadyFinished, jobID, job.Status)
		tracer.Error(err).Log()
		return nil, err
	}

	result := &Result{JobID: jobID, Status: job.Status}

	if job.QueueRef != nil {
		if err := c.queue.Cancel(ctx, *job.QueueRef); err != nil {
			zap.S().Named("cancellation").Warnw("failed to cancel queue job", "job_id", jobID, "queue_ref", *job.QueueRef, "error", err)
		} else {
			result.QueueSignalled = true
		}
	}
	tracer.Step("queue_signalled").WithBool("signalled", result.QueueSignalled).Log()

	if pid, ok := c.findProcess(ctx, job); ok {
		result.PID = &pid
		if err := c.inspector.Kill(ctx, pid); err != nil {
			zap.S().Named("cancellation").Warnw("failed to kill worker", "job_id", jobID, "pid", pid, "error", err)
		} else {
			result.ProcessTerminated = true
		}
	}
	tracer.Step("process_lookup").WithBool("terminated", result.ProcessTerminated).Log()

	if result.ProcessTerminated && c.pool != nil {
		if err := c.pool.Restart(ctx); err != nil {
			zap.S().Named("cancellation").Errorw("failed to restart worker pool", "error", err)
		} else {
			result.PoolRestarted = true
		}
	}

	cancelled, err := c.store.Job().Transition(ctx, jobID, model.JobStatusCancelled, store.JobUpdate{
		From:   []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning},
		Reason: "cancelled by user",
		Note:   model.NoteCancelledByUser,
	})
	switch {
	case err == nil:
		result.Status = cancelled.Status
		if err := progress.MarkFailed(ctx, c.store.Progress(), jobID, cancelledMessage); err != nil {
			zap.S().Named("cancellation").Warnw("failed to close progress", "job_id", jobID, "error", err)
		}
		events.PublishJob(ctx, c.events, cancelled)
	case errors.Is(err, store.ErrTransitionRejected):
		// finished while we were busy; report what it became
		if current, err := c.store.Job().Get(ctx, jobID); err == nil {
			result.Status = current.Status
		}
	default:
		tracer.Error(err).Log()
		return nil, fmt.Errorf("recording cancellation: %w", err)
	}

	if c.sweeper != nil {
		report, err := c.sweeper.Sweep(ctx)
		if err != nil {
			zap.S().Named("cancellation").Errorw("sweep after cancellation failed", "error", err)
		}
		result.Sweep = report
	}

	metrics.IncreaseCancellationMetric(result.ProcessTerminated)
	tracer.Success().
		WithString("status", string(result.Status)).
		WithBool("process_terminated", result.ProcessTerminated).
		WithBool("pool_restarted", result.PoolRestarted).
		Log()
	return result, nil
}

// findProcess locates the worker running job on this host. The recorded pid
// wins; without one a running job is attributed to the only busy worker.
func (c *Coordinator) findProcess(ctx context.Context, job *model.Job) (int, bool) {
	if c.inspector == nil {
		return 0, false
	}
	if job.WorkerPID != nil {
		if job.WorkerHost != "" && job.WorkerHost != c.opts.Host {
			return 0, false
		}
		pid := *job.WorkerPID
		alive, err := c.inspector.Alive(ctx, pid)
		if err != nil || !alive {
			return 0, false
		}
		worker, err := c.inspector.IsWorker(ctx, pid)
		if err != nil || !worker {
			return 0, false
		}
		return pid, true
	}
	if job.Status != model.JobStatusRunning || c.pool == nil {
		return 0, false
	}
	return c.busiestWorker(ctx, c.pool.PIDs())
}

func (c *Coordinator) busiestWorker(ctx context.Context, candidates []int) (int, bool) {
	var (
		mu   sync.Mutex
		busy []int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, pid := range candidates {
		g.Go(func() error {
			worker, err := c.inspector.IsWorker(gctx, pid)
			if err != nil || !worker {
				return nil
			}
			cpu, err := c.inspector.CPUPercent(gctx, pid, c.opts.SampleWindow)
			if err != nil {
				return nil
			}
			if cpu >= c.opts.CPUThreshold {
				mu.Lock()
				busy = append(busy, pid)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(busy) != 1 {
		zap.S().Named("cancellation").Infow("cannot attribute the job to a single worker", "candidates", candidates, "busy", busy)
		return 0, false
	}
	return busy[0], true
}
