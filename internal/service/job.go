package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/cancellation"
	"github.com/tradelab/paramopt/internal/events"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/service/mappers"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
	"github.com/tradelab/paramopt/internal/util"
	"github.com/tradelab/paramopt/pkg/log"
	"go.uber.org/zap"
)

const defaultListLimit = 100

type Canceller interface {
	Cancel(ctx context.Context, jobID uuid.UUID) (*cancellation.Result, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) (*reconcile.Report, error)
}

type JobService struct {
	store       store.Store
	queue       queue.Queue
	registry    *strategy.Registry
	presets     *strategy.PresetCatalog
	canceller   Canceller
	sweeper     Sweeper
	events      events.Emitter
	maxGridSize int
	retry       util.RetryPolicy
	logger      *log.StructuredLogger
}

var defaultRetry = util.RetryPolicy{Attempts: 3, Initial: 200 * time.Millisecond}

func NewJobService(s store.Store, q queue.Queue, registry *strategy.Registry, presets *strategy.PresetCatalog, canceller Canceller, sweeper Sweeper, emitter events.Emitter, maxGridSize int) *JobService {
	return &JobService{
		store:       s,
		queue:       q,
		registry:    registry,
		presets:     presets,
		canceller:   canceller,
		sweeper:     sweeper,
		events:      emitter,
		maxGridSize: maxGridSize,
		retry:       defaultRetry,
		logger:      log.NewDebugLogger("job_service"),
	}
}

// WithRetry sets the policy for queue calls.
func (s *JobService) WithRetry(policy util.RetryPolicy) *JobService {
	s.retry = policy
	return s
}

// Submit records a queued job and hands it to the queue. When the queue refuses
// it the record is failed right away so it never waits for a worker that will
// not come.
func (s *JobService) Submit(ctx context.Context, form mappers.JobForm) (*model.Job, error) {
	tracer := s.logger.WithContext(ctx).Operation("submit_job").
		WithString("strategy", form.Strategy).
		WithString("optimizer", form.Optimizer).
		Build()

	space, err := s.resolve(form)
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}

	job, err := s.store.Job().Create(ctx, form.ToJob(space))
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}
	tracer.Step("created").WithUUID("job_id", job.ID).Log()

	var ref int64
	err = util.Retry(ctx, s.retry, "enqueue job", func(ctx context.Context) error {
		var err error
		ref, err = s.queue.Enqueue(ctx, job.ID)
		return err
	})
	if err != nil {
		tracer.Error(err).WithUUID("job_id", job.ID).Log()
		msg := err.Error()
		failed, terr := s.store.Job().Transition(context.WithoutCancel(ctx), job.ID, model.JobStatusFailed, store.JobUpdate{
			From:         []model.JobStatus{model.JobStatusQueued},
			Reason:       "enqueue failed",
			Note:         model.NoteEnqueueFailed,
			ErrorMessage: &msg,
		})
		if terr != nil {
			zap.S().Named("job_service").Errorw("failed to record enqueue failure", "job_id", job.ID, "error", terr)
		} else {
			events.PublishJob(ctx, s.events, failed)
		}
		return nil, NewErrEnqueueFailed(job.ID, err)
	}

	if err := s.store.Job().SetQueueRef(ctx, job.ID, ref); err != nil {
		// the worker records the reference too once it takes the job
		zap.S().Named("job_service").Warnw("failed to record queue ref", "job_id", job.ID, "queue_ref", ref, "error", err)
	}
	job.QueueRef = &ref

	events.PublishJob(ctx, s.events, job)
	tracer.Success().WithUUID("job_id", job.ID).WithParam("queue_ref", ref).Log()
	return job, nil
}

func (s *JobService) resolve(form mappers.JobForm) (optimizer.ParameterSpace, error) {
	if _, err := s.registry.Lookup(form.Strategy); err != nil {
		return optimizer.ParameterSpace{}, NewErrInvalidJob("%s", err)
	}
	if _, err := optimizer.New(form.Optimizer, optimizer.Options{}); err != nil {
		return optimizer.ParameterSpace{}, NewErrInvalidJob("%s", err)
	}
	if form.Optimizer != optimizer.NameExhaustive && form.Iterations <= 0 {
		return optimizer.ParameterSpace{}, NewErrInvalidJob("%s: optimizer %s needs iterations", optimizer.ErrInvalidBudget, form.Optimizer)
	}
	if d := form.Dataset; d.Start != nil && d.End != nil && !d.End.After(*d.Start) {
		return optimizer.ParameterSpace{}, NewErrInvalidJob("dataset end %s is not after start %s", d.End, d.Start)
	}

	var space optimizer.ParameterSpace
	switch {
	case form.Space != nil && form.Preset != "":
		return space, NewErrInvalidJob("a job takes either a parameter space or a preset")
	case form.Space != nil:
		space = *form.Space
	default:
		resolved, err := s.presets.Resolve(form.Strategy, form.Preset)
		if err != nil {
			return space, NewErrInvalidJob("%s", err)
		}
		space = resolved
	}

	if err := space.Validate(); err != nil {
		return space, NewErrInvalidJob("%s", err)
	}
	if form.Optimizer == optimizer.NameExhaustive {
		if _, _, err := space.Grid(s.maxGridSize); err != nil {
			return space, NewErrInvalidJob("%s", err)
		}
	}
	return space, nil
}

func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	job, err := s.store.Job().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, NewErrJobNotFound(id)
		}
		return nil, err
	}
	return job, nil
}

func (s *JobService) List(ctx context.Context, filter mappers.ListFilter) (model.JobList, error) {
	tracer := s.logger.WithContext(ctx).Operation("list_jobs").WithParam("filter", filter).Build()

	qf := store.NewJobQueryFilter()
	if len(filter.Status) > 0 {
		qf = qf.ByStatus(filter.Status...)
	}
	if filter.Strategy != "" {
		qf = qf.ByStrategy(filter.Strategy)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	jobs, err := s.store.Job().List(ctx, qf, store.NewJobQueryOptions().WithLimit(limit).WithSortOrder(store.SortByCreatedTime))
	if err != nil {
		tracer.Error(err).Log()
		return nil, err
	}
	tracer.Success().WithInt("count", len(jobs)).Log()
	return jobs, nil
}

func (s *JobService) Events(ctx context.Context, id uuid.UUID) ([]model.JobEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Job().Events(ctx, id)
}

// Progress returns the latest snapshot of a job.
func (s *JobService) Progress(ctx context.Context, id uuid.UUID) (*model.ProgressSnapshot, error) {
	snap, err := s.store.Progress().Get(ctx, id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, NewErrProgressNotFound(id)
}

func (s *JobService) Cancel(ctx context.Context, id uuid.UUID) (*cancellation.Result, error) {
	tracer := s.logger.WithContext(ctx).Operation("cancel_job").WithUUID("job_id", id).Build()

	res, err := s.canceller.Cancel(ctx, id)
	if err != nil {
		tracer.Error(err).Log()
		switch {
		case errors.Is(err, store.ErrRecordNotFound):
			return nil, NewErrJobNotFound(id)
		case errors.Is(err, cancellation.ErrJobAlreadyFinished):
			return nil, NewErrJobAlreadyFinished(err)
		default:
			return nil, fmt.Errorf("cancelling job %s: %w", id, err)
		}
	}
	tracer.Success().WithString("status", string(res.Status)).Log()
	return res, nil
}

// Sweep runs a reconciliation pass on demand.
func (s *JobService) Sweep(ctx context.Context) (*reconcile.Report, error) {
	return s.sweeper.Sweep(ctx)
}

func (s *JobService) Presets() []strategy.Preset {
	return s.presets.List()
}
