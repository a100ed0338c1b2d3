package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/events"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/progress"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
	"github.com/tradelab/paramopt/internal/util"
	"github.com/tradelab/paramopt/pkg/log"
	"github.com/tradelab/paramopt/pkg/metrics"
	"go.uber.org/zap"
)

// validationTolerance is the largest score difference accepted when the best
// trial is evaluated again.
const validationTolerance = 1e-9

var (
	ErrOwnedByAnotherWorker = errors.New("job is running under another worker")
	ErrValidationFailed     = errors.New("validation failed")
	ErrJobCancelled         = errors.New("job cancelled")
)

type Options struct {
	// PoolSize is computed once per worker process.
	PoolSize                int
	MaxGridSize             int
	InitialSamples          int
	ValidationTopN          int
	HeartbeatInterval       time.Duration
	ProgressWritesPerSecond float64
	Retry                   util.RetryPolicy
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PoolSize:                optimizer.PoolSize(runtime.NumCPU(), cfg.Worker.ReservedCores),
		MaxGridSize:             cfg.Worker.MaxGridSize,
		InitialSamples:          cfg.Worker.SurrogateInitialSamples,
		ValidationTopN:          cfg.Worker.ValidationTopN,
		HeartbeatInterval:       cfg.Worker.HeartbeatInterval,
		ProgressWritesPerSecond: cfg.Worker.ProgressWritesPerSecond,
		Retry: util.RetryPolicy{
			Attempts: cfg.Worker.RetryAttempts,
			Initial:  cfg.Worker.RetryInitialInterval,
		},
	}
}

// Orchestrator drives one job at a time through data preparation,
// optimization, validation and save inside a worker process.
type Orchestrator struct {
	store      store.Store
	loader     strategy.Loader
	strategies *strategy.Registry
	events     events.Emitter
	opts       Options
	owner      store.WorkerOwner
	logger     *log.StructuredLogger
}

func New(s store.Store, loader strategy.Loader, strategies *strategy.Registry, emitter events.Emitter, opts Options) *Orchestrator {
	host, pid, id := util.WorkerIdentity()
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if opts.ValidationTopN < 1 {
		opts.ValidationTopN = 1
	}
	return &Orchestrator{
		store:      s,
		loader:     loader,
		strategies: strategies,
		events:     emitter,
		opts:       opts,
		owner:      store.WorkerOwner{ID: id, PID: pid, Host: host},
		logger:     log.NewDebugLogger("orchestrator"),
	}
}

// WithOwner overrides the identity recorded on the jobs this orchestrator takes.
func (o *Orchestrator) WithOwner(owner store.WorkerOwner) *Orchestrator {
	o.owner = owner
	return o
}

func (o *Orchestrator) Owner() store.WorkerOwner {
	return o.owner
}

// Run executes the job. Jobs already finished, or taken by someone else in the
// meantime, are left untouched and nil is returned. Any failure after the job
// was taken is recorded on the job and returned.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID, queueRef int64) error {
	tracer := o.logger.WithContext(ctx).
		Operation("run_job").
		WithUUID("job_id", jobID).
		WithParam("queue_ref", queueRef).
		WithString("worker_id", o.owner.ID).
		Build()

	var job *model.Job
	err := util.Retry(ctx, o.opts.Retry, "load job", func(ctx context.Context) error {
		var err error
		job, err = o.store.Job().Get(ctx, jobID)
		if errors.Is(err, store.ErrRecordNotFound) {
			return fmt.Errorf("%w: %w", util.ErrPermanent, err)
		}
		return err
	})
	if err != nil {
		tracer.Error(err).Log()
		return fmt.Errorf("loading job %s: %w", jobID, err)
	}

	switch {
	case job.Status.IsTerminal():
		tracer.Success().WithString("skipped", "job already "+string(job.Status)).Log()
		return nil
	case job.Status == model.JobStatusRunning && job.WorkerID != o.owner.ID:
		err := fmt.Errorf("%w: %s", ErrOwnedByAnotherWorker, job.WorkerID)
		tracer.Error(err).Log()
		return err
	case job.Status == model.JobStatusQueued:
		job, err = o.store.Job().Transition(ctx, jobID, model.JobStatusRunning, store.JobUpdate{
			From:     []model.JobStatus{model.JobStatusQueued},
			Reason:   "picked up by worker",
			Owner:    &o.owner,
			QueueRef: &queueRef,
		})
		if err != nil {
			if errors.Is(err, store.ErrTransitionRejected) {
				tracer.Success().WithString("skipped", "job taken or cancelled meanwhile").Log()
				return nil
			}
			tracer.Error(err).Log()
			return fmt.Errorf("taking job %s: %w", jobID, err)
		}
		events.PublishJob(ctx, o.events, job)
	}
	tracer.Step("job_taken").Log()

	tracker := progress.NewTracker(jobID, o.store.Progress(), progress.Options{
		WritesPerSecond: o.opts.ProgressWritesPerSecond,
		Retry:           o.opts.Retry,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracker.Close(closeCtx); err != nil {
			zap.S().Named("orchestrator").Warnw("failed to flush progress", "job_id", jobID, "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopHeartbeat := o.heartbeat(runCtx, jobID, cancel)
	defer stopHeartbeat()

	result, err := o.execute(runCtx, job, tracker)
	stopHeartbeat()
	if err != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrJobCancelled) {
			err = cause
		}
		if aborted(ctx) {
			tracer.Error(err).WithString("skipped", "run aborted, status left to the canceller").Log()
			return err
		}
		o.fail(ctx, job, tracker, err)
		tracer.Error(err).Log()
		return err
	}

	if err := o.save(ctx, job, tracker, result); err != nil {
		if aborted(ctx) {
			tracer.Error(err).WithString("skipped", "run aborted, status left to the canceller").Log()
			return err
		}
		o.fail(ctx, job, tracker, err)
		tracer.Error(err).Log()
		return err
	}

	tracer.Success().
		WithParam("best_score", result.BestScore).
		WithInt("evaluations", len(result.Trials)).
		WithInt("failed_evaluations", result.Failed).
		Log()
	return nil
}

type outcome struct {
	*optimizer.Result
	validation map[string]float64
}

func (o *Orchestrator) execute(ctx context.Context, job *model.Job, tracker *progress.Tracker) (*outcome, error) {
	if job.Dataset == nil || job.ParameterSpace == nil {
		return nil, fmt.Errorf("job %s has no dataset or parameter space", job.ID)
	}
	sel := job.Dataset.Data

	// data preparation
	tracker.Start(progress.PhaseDataPreparation, fmt.Sprintf("loading %s %s", sel.Symbol, sel.Timeframe))
	strat, err := o.strategies.Lookup(job.Strategy)
	if err != nil {
		return nil, err
	}
	space := job.ParameterSpace.Data
	if err := space.Validate(); err != nil {
		return nil, err
	}
	var series *strategy.Series
	err = util.Retry(ctx, o.opts.Retry, "load dataset", func(ctx context.Context) error {
		var err error
		series, err = o.loader.Load(ctx, sel)
		if errors.Is(err, strategy.ErrDatasetNotFound) {
			return fmt.Errorf("%w: %w", util.ErrPermanent, err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading dataset: %w", err)
	}
	tracker.Update(progress.Update{PhasePercentage: 50})
	evaluator := strat.Evaluator(series)
	tracker.Update(progress.Update{PhasePercentage: 100})

	// optimization
	opt, err := optimizer.New(job.Optimizer, optimizer.Options{
		PoolSize:       o.opts.PoolSize,
		MaxGridSize:    o.opts.MaxGridSize,
		InitialSamples: o.opts.InitialSamples,
		Observe: func(name string, d time.Duration, failed bool) {
			metrics.ObserveEvaluation(name, d.Seconds(), failed)
		},
	})
	if err != nil {
		return nil, err
	}
	tracker.Start(progress.PhaseOptimization, opt.Name())
	result, err := opt.Optimize(ctx, optimizer.Config{
		Space:        space,
		Evaluator:    evaluator,
		Iterations:   job.Iterations,
		Seed:         job.Seed,
		OnEvaluation: optimizationReporter(tracker),
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// validation
	validation, err := o.validate(ctx, space, evaluator, result, tracker)
	if err != nil {
		return nil, err
	}
	return &outcome{Result: result, validation: validation}, nil
}

func optimizationReporter(tracker *progress.Tracker) func(optimizer.Report) {
	return func(r optimizer.Report) {
		completed, total := r.Completed, r.Total
		u := progress.Update{
			PhasePercentage: 100 * float64(completed) / float64(max(total, 1)),
			Iteration:       &completed,
			TotalIterations: &total,
		}
		if r.HasBest {
			best := r.BestScore
			u.BestScore = &best
			u.BestParams = r.BestParams
		}
		if !r.Trial.Failed {
			current := r.Trial.Score
			u.CurrentScore = &current
		}
		tracker.Update(u)
	}
}

// validate evaluates the best distinct trials again. The best one must
// reproduce its score; the others are only reported.
func (o *Orchestrator) validate(ctx context.Context, space optimizer.ParameterSpace, ev optimizer.Evaluator, result *optimizer.Result, tracker *progress.Tracker) (map[string]float64, error) {
	var top []optimizer.Trial
	seen := map[string]struct{}{}
	for _, t := range result.Successful() {
		key := space.Key(t.Params)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		top = append(top, t)
		if len(top) == o.opts.ValidationTopN {
			break
		}
	}
	tracker.Start(progress.PhaseValidation, fmt.Sprintf("re-evaluating top %d", len(top)))

	out := map[string]float64{}
	reproduced := 0
	for i, t := range top {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := ev.Evaluate(ctx, t.Params.Clone())
		ok := err == nil && math.Abs(res.Score-t.Score) <= validationTolerance
		if i == 0 {
			if err != nil {
				return nil, fmt.Errorf("%w: best parameters failed on re-evaluation: %v", ErrValidationFailed, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: best score %v re-evaluated to %v", ErrValidationFailed, t.Score, res.Score)
			}
			out["validation_score"] = res.Score
			for k, v := range res.Metrics {
				out["validation_"+k] = v
			}
		}
		if ok {
			reproduced++
		} else {
			zap.S().Named("orchestrator").Warnw("runner-up did not reproduce", "rank", i+1, "params", t.Params, "error", err)
		}
		tracker.Update(progress.Update{PhasePercentage: 100 * float64(i+1) / float64(len(top))})
	}
	out["validation_checked"] = float64(len(top))
	out["validation_reproduced"] = float64(reproduced)
	return out, nil
}

func (o *Orchestrator) save(ctx context.Context, job *model.Job, tracker *progress.Tracker, res *outcome) error {
	tracker.Start(progress.PhaseSave, "storing best parameters")

	bestMetrics := make(map[string]float64, len(res.BestMetrics)+len(res.validation))
	for k, v := range res.BestMetrics {
		bestMetrics[k] = v
	}
	for k, v := range res.validation {
		bestMetrics[k] = v
	}
	seed := res.Seed

	var saved *model.Job
	err := util.Retry(ctx, o.opts.Retry, "save result", func(ctx context.Context) error {
		var err error
		saved, err = o.store.Job().Transition(ctx, job.ID, model.JobStatusCompleted, store.JobUpdate{
			From:   []model.JobStatus{model.JobStatusRunning},
			Reason: "optimization finished",
			Result: &store.JobResult{
				BestParams:        res.BestParams,
				BestScore:         res.BestScore,
				BestMetrics:       bestMetrics,
				Evaluations:       len(res.Trials),
				FailedEvaluations: res.Failed,
				Seed:              &seed,
			},
		})
		if errors.Is(err, store.ErrTransitionRejected) {
			return fmt.Errorf("%w: %w", util.ErrPermanent, err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("saving result: %w", err)
	}

	best := res.BestScore
	tracker.Update(progress.Update{PhasePercentage: 100, BestScore: &best, BestParams: res.BestParams})
	tracker.Complete()
	events.PublishJob(ctx, o.events, saved)
	return nil
}

// aborted reports whether the caller cancelled the run, which is how the queue
// delivers a cancellation. The record then belongs to the cancellation
// coordinator or, failing that, to the sweeper. Timeouts are not aborts.
func aborted(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

// fail records err on the job unless it already reached a terminal status,
// for instance because it was cancelled.
func (o *Orchestrator) fail(ctx context.Context, job *model.Job, tracker *progress.Tracker, cause error) {
	msg := cause.Error()
	// the run context may be gone, the failure must still be written
	ctx = context.WithoutCancel(ctx)

	var failed *model.Job
	err := util.Retry(ctx, o.opts.Retry, "record failure", func(ctx context.Context) error {
		var err error
		failed, err = o.store.Job().Transition(ctx, job.ID, model.JobStatusFailed, store.JobUpdate{
			From:         []model.JobStatus{model.JobStatusRunning},
			Reason:       "optimization failed",
			ErrorMessage: &msg,
		})
		if errors.Is(err, store.ErrTransitionRejected) {
			return fmt.Errorf("%w: %w", util.ErrPermanent, err)
		}
		return err
	})

	switch {
	case err == nil:
		tracker.Fail(msg)
		events.PublishJob(ctx, o.events, failed)
	case errors.Is(err, store.ErrTransitionRejected):
		// cancelled or repaired meanwhile; the progress row is owned by whoever did it
		zap.S().Named("orchestrator").Infow("job left running meanwhile, keeping its status", "job_id", job.ID, "cause", msg)
	default:
		tracker.Fail(msg)
		zap.S().Named("orchestrator").Errorw("failed to record job failure, leaving it to the sweeper", "job_id", job.ID, "error", err)
	}
}

// heartbeat refreshes heartbeat_at until the returned function is called. When
// the job is no longer running under this worker the run is cancelled.
func (o *Orchestrator) heartbeat(ctx context.Context, jobID uuid.UUID, cancel context.CancelCauseFunc) func() {
	if o.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	ticker := jitterbug.New(o.opts.HeartbeatInterval, &jitterbug.Norm{Stdev: o.opts.HeartbeatInterval / 10})
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := o.store.Job().Heartbeat(ctx, jobID, o.owner.ID)
				if errors.Is(err, store.ErrTransitionRejected) {
					zap.S().Named("orchestrator").Infow("job no longer owned, stopping", "job_id", jobID)
					cancel(ErrJobCancelled)
					return
				}
				if err != nil {
					zap.S().Named("orchestrator").Warnw("heartbeat failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
