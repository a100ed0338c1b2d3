package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/pkg/metrics"
	"gorm.io/gorm"
)

// WorkerOwner identifies the worker process that took a job.
type WorkerOwner struct {
	ID   string
	PID  int
	Host string
}

type JobResult struct {
	BestParams        optimizer.Params
	BestScore         float64
	BestMetrics       map[string]float64
	Evaluations       int
	FailedEvaluations int
	Seed              *int64
}

// JobUpdate carries the columns written together with a status change.
type JobUpdate struct {
	// From restricts the accepted source statuses. Defaults to every status
	// from which the target is reachable.
	From         []model.JobStatus
	Reason       string
	Owner        *WorkerOwner
	QueueRef     *int64
	ErrorMessage *string
	Note         string
	Result       *JobResult
}

type Job interface {
	Create(ctx context.Context, job model.Job) (*model.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)
	List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error)
	SetQueueRef(ctx context.Context, id uuid.UUID, ref int64) error
	Transition(ctx context.Context, id uuid.UUID, to model.JobStatus, update JobUpdate) (*model.Job, error)
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error
	Events(ctx context.Context, id uuid.UUID) ([]model.JobEvent, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

type JobStore struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Make sure we conform to Job interface
var _ Job = (*JobStore)(nil)

func NewJobStore(db *gorm.DB, log logrus.FieldLogger) Job {
	return &JobStore{db: db, log: log}
}

func (s *JobStore) Create(ctx context.Context, job model.Job) (*model.Job, error) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = model.JobStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	result := getDB(ctx, s.db).Create(&job)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateKey
		}
		return nil, result.Error
	}
	return &job, nil
}

func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var job model.Job
	result := getDB(ctx, s.db).First(&job, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying job: %w", result.Error)
	}
	return &job, nil
}

func (s *JobStore) List(ctx context.Context, filter *JobQueryFilter, opts *JobQueryOptions) (model.JobList, error) {
	var jobs model.JobList
	tx := getDB(ctx, s.db).Model(&jobs)

	if filter != nil {
		for _, fn := range filter.QueryFn {
			tx = fn(tx)
		}
	}
	if opts != nil {
		for _, fn := range opts.QueryFn {
			tx = fn(tx)
		}
	} else {
		tx = tx.Order("created_at DESC")
	}

	if result := tx.Find(&jobs); result.Error != nil {
		return nil, result.Error
	}
	return jobs, nil
}

func (s *JobStore) SetQueueRef(ctx context.Context, id uuid.UUID, ref int64) error {
	result := getDB(ctx, s.db).Model(&model.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"queue_ref": ref, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("updating queue ref: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Transition moves a job to status to with a conditional single row update, so
// concurrent callers cannot both win and terminal rows are never touched.
// A transition event is recorded in the same transaction.
func (s *JobStore) Transition(ctx context.Context, id uuid.UUID, to model.JobStatus, update JobUpdate) (*model.Job, error) {
	from := update.From
	if len(from) == 0 {
		from = model.SourcesOf(to)
	}
	for _, f := range from {
		if err := model.ValidateTransition(f, to); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	values := map[string]any{
		"status":     to,
		"updated_at": now,
	}
	if to == model.JobStatusRunning {
		values["started_at"] = now
		values["heartbeat_at"] = now
	}
	if to.IsTerminal() {
		values["completed_at"] = now
	}
	if o := update.Owner; o != nil {
		values["worker_id"] = o.ID
		values["worker_pid"] = o.PID
		values["worker_host"] = o.Host
	}
	if update.QueueRef != nil {
		values["queue_ref"] = *update.QueueRef
	}
	if update.ErrorMessage != nil {
		values["error_message"] = *update.ErrorMessage
	}
	if update.Note != "" {
		values["status_note"] = update.Note
	}
	if r := update.Result; r != nil {
		values["best_params"] = model.MakeJSONField(r.BestParams)
		values["best_score"] = r.BestScore
		values["best_metrics"] = model.MakeJSONField(r.BestMetrics)
		values["evaluations"] = r.Evaluations
		values["failed_evaluations"] = r.FailedEvaluations
		values["used_seed"] = r.Seed
	}

	var job model.Job
	err := inTransaction(ctx, s.db, s.log, func(ctx context.Context) error {
		tx := getDB(ctx, s.db)

		// one status at a time so the event records the status actually left
		var previous model.JobStatus
		for _, f := range from {
			result := tx.Model(&model.Job{}).Where("id = ? AND status = ?", id, f).Updates(values)
			if result.Error != nil {
				return fmt.Errorf("updating job status: %w", result.Error)
			}
			if result.RowsAffected > 0 {
				previous = f
				break
			}
		}

		if previous == "" {
			var current model.Job
			if err := tx.Select("status").First(&current, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrRecordNotFound
				}
				return err
			}
			return fmt.Errorf("%w: job %s is %s, cannot move to %s", ErrTransitionRejected, id, current.Status, to)
		}

		event := model.JobEvent{
			JobID:      id,
			FromStatus: previous,
			ToStatus:   to,
			Reason:     update.Reason,
			CreatedAt:  now,
		}
		if err := tx.Create(&event).Error; err != nil {
			return fmt.Errorf("recording job event: %w", err)
		}

		return tx.First(&job, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	metrics.IncreaseJobTransitionMetric(string(to))
	return &job, nil
}

func (s *JobStore) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	result := getDB(ctx, s.db).Model(&model.Job{}).
		Where("id = ? AND status = ? AND worker_id = ?", id, model.JobStatusRunning, workerID).
		Update("heartbeat_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("updating heartbeat: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: job %s is no longer running under worker %s", ErrTransitionRejected, id, workerID)
	}
	return nil
}

func (s *JobStore) Events(ctx context.Context, id uuid.UUID) ([]model.JobEvent, error) {
	var events []model.JobEvent
	result := getDB(ctx, s.db).Where("job_id = ?", id).Order("id").Find(&events)
	if result.Error != nil {
		return nil, result.Error
	}
	return events, nil
}

func (s *JobStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	result := getDB(ctx, s.db).Model(&model.Job{}).Select("status, count(*) as total").Group("status").Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}
