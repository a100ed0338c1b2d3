package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradelab/paramopt/internal/events"
	"github.com/tradelab/paramopt/internal/process"
	"github.com/tradelab/paramopt/internal/progress"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/pkg/log"
	"github.com/tradelab/paramopt/pkg/metrics"
	"go.uber.org/zap"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

const (
	CategorySyncedCompleted = "synced_completed"
	CategorySyncedFailed    = "synced_failed"
	CategoryOrphaned        = "orphaned"
)

// Report counts the repairs applied by one sweep. Jobs repaired concurrently by
// someone else are not counted.
type Report struct {
	SyncedCompleted int     `json:"synced_completed"`
	SyncedFailed    int     `json:"synced_failed"`
	Orphaned        int     `json:"orphaned"`
	Inspected       int     `json:"inspected"`
	Errors          []error `json:"-"`
}

// Err aggregates the per job errors of the sweep.
func (r *Report) Err() error {
	return utilerrors.NewAggregate(r.Errors)
}

func (r *Report) Repaired() int {
	return r.SyncedCompleted + r.SyncedFailed + r.Orphaned
}

type Options struct {
	// Host is the name of the local host. Worker pids are only checked for
	// jobs owned by a worker on this host.
	Host string
	// StaleAfter marks jobs without a heartbeat for that long as orphaned.
	// Zero disables the check.
	StaleAfter time.Duration
}

// Sweeper brings the running jobs in line with what the queue and the local
// process table say about them.
type Sweeper struct {
	store     store.Store
	queue     queue.Queue
	inspector process.Inspector
	events    events.Emitter
	opts      Options
	now       func() time.Time
	logger    *log.StructuredLogger
}

func NewSweeper(s store.Store, q queue.Queue, inspector process.Inspector, emitter events.Emitter, opts Options) *Sweeper {
	return &Sweeper{
		store:     s,
		queue:     q,
		inspector: inspector,
		events:    emitter,
		opts:      opts,
		now:       time.Now,
		logger:    log.NewDebugLogger("sweeper"),
	}
}

type repair struct {
	to       model.JobStatus
	category string
	note     string
	message  string
}

func (s *Sweeper) Sweep(ctx context.Context) (*Report, error) {
	tracer := s.logger.WithContext(ctx).Operation("sweep").Build()

	jobs, err := s.store.Job().List(ctx, store.NewJobQueryFilter().ByStatus(model.JobStatusRunning), nil)
	if err != nil {
		tracer.Error(err).Log()
		return nil, fmt.Errorf("listing running jobs: %w", err)
	}

	report := &Report{}
	for i := range jobs {
		job := &jobs[i]
		report.Inspected++

		r, err := s.diagnose(ctx, job)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if r == nil {
			continue
		}

		applied, err := s.apply(ctx, job, r)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("job %s: %w", job.ID, err))
			continue
		}
		if !applied {
			continue
		}
		switch r.category {
		case CategorySyncedCompleted:
			report.SyncedCompleted++
		case CategorySyncedFailed:
			report.SyncedFailed++
		case CategoryOrphaned:
			report.Orphaned++
		}
		metrics.IncreaseSweeperRepairMetric(r.category, 1)
	}

	events.Publish(ctx, s.events, events.SweepKind, events.SweepEvent{
		SyncedCompleted: report.SyncedCompleted,
		SyncedFailed:    report.SyncedFailed,
		Orphaned:        report.Orphaned,
		Inspected:       report.Inspected,
		At:              s.now().UTC(),
	})

	entry := tracer.Success().
		WithInt("inspected", report.Inspected).
		WithInt("synced_completed", report.SyncedCompleted).
		WithInt("synced_failed", report.SyncedFailed).
		WithInt("orphaned", report.Orphaned)
	if err := report.Err(); err != nil {
		entry = entry.WithString("errors", err.Error())
	}
	entry.Log()
	return report, nil
}

// diagnose returns the repair a running job needs, or nil when it is healthy.
func (s *Sweeper) diagnose(ctx context.Context, job *model.Job) (*repair, error) {
	if job.QueueRef == nil {
		return &repair{to: model.JobStatusFailed, category: CategoryOrphaned, note: model.NoteOrphaned, message: "job has no queue reference"}, nil
	}

	state, err := s.queue.Status(ctx, *job.QueueRef)
	if err != nil {
		return nil, fmt.Errorf("querying queue job %d: %w", *job.QueueRef, err)
	}

	switch state {
	case queue.StateCompleted:
		return &repair{to: model.JobStatusCompleted, category: CategorySyncedCompleted, note: model.NoteSynced}, nil
	case queue.StateFailed:
		return &repair{to: model.JobStatusFailed, category: CategorySyncedFailed, note: model.NoteSynced, message: "job failed in queue"}, nil
	case queue.StateCancelled:
		return &repair{to: model.JobStatusFailed, category: CategorySyncedFailed, note: model.NoteCancelledInQueue, message: "cancelled in queue"}, nil
	case queue.StateNotFound:
		return &repair{to: model.JobStatusFailed, category: CategoryOrphaned, note: model.NoteOrphaned, message: "queue job not found"}, nil
	}

	dead, err := s.ownerDead(ctx, job)
	if err != nil {
		return nil, err
	}
	if dead {
		return &repair{to: model.JobStatusFailed, category: CategoryOrphaned, note: model.NoteOrphaned, message: "worker process is gone"}, nil
	}
	if s.opts.StaleAfter > 0 && job.HeartbeatAt != nil && s.now().Sub(*job.HeartbeatAt) > s.opts.StaleAfter {
		return &repair{to: model.JobStatusFailed, category: CategoryOrphaned, note: model.NoteOrphaned,
			message: fmt.Sprintf("no heartbeat since %s", job.HeartbeatAt.UTC().Format(time.RFC3339))}, nil
	}
	return nil, nil
}

// ownerDead reports whether the worker recorded on job provably no longer runs.
// Only workers on this host can be checked.
func (s *Sweeper) ownerDead(ctx context.Context, job *model.Job) (bool, error) {
	if s.inspector == nil || job.WorkerPID == nil || job.WorkerHost == "" || job.WorkerHost != s.opts.Host {
		return false, nil
	}
	alive, err := s.inspector.Alive(ctx, *job.WorkerPID)
	if err != nil {
		return false, fmt.Errorf("inspecting pid %d: %w", *job.WorkerPID, err)
	}
	if !alive {
		return true, nil
	}
	// a reused pid belongs to some other program
	worker, err := s.inspector.IsWorker(ctx, *job.WorkerPID)
	if errors.Is(err, process.ErrNoSuchProcess) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("inspecting pid %d: %w", *job.WorkerPID, err)
	}
	return !worker, nil
}

func (s *Sweeper) apply(ctx context.Context, job *model.Job, r *repair) (bool, error) {
	update := store.JobUpdate{
		From:   []model.JobStatus{model.JobStatusRunning},
		Reason: "sweeper: " + r.category,
		Note:   r.note,
	}
	if r.message != "" {
		update.ErrorMessage = &r.message
	}

	repaired, err := s.store.Job().Transition(ctx, job.ID, r.to, update)
	if err != nil {
		if errors.Is(err, store.ErrTransitionRejected) {
			return false, nil
		}
		return false, err
	}

	zap.S().Named("sweeper").Infow("repaired job", "job_id", job.ID, "status", r.to, "note", r.note, "message", r.message)
	if r.to == model.JobStatusFailed {
		if err := progress.MarkFailed(ctx, s.store.Progress(), job.ID, r.message); err != nil {
			zap.S().Named("sweeper").Warnw("failed to close progress", "job_id", job.ID, "error", err)
		}
	}
	events.PublishJob(ctx, s.events, repaired)
	return true, nil
}
