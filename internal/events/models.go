package events

import (
	"time"

	"github.com/tradelab/paramopt/internal/store/model"
)

const (
	JobQueuedKind    string = "paramopt.events.job.queued"
	JobRunningKind   string = "paramopt.events.job.running"
	JobCompletedKind string = "paramopt.events.job.completed"
	JobFailedKind    string = "paramopt.events.job.failed"
	JobCancelledKind string = "paramopt.events.job.cancelled"
	SweepKind        string = "paramopt.events.sweep"
)

// JobKind returns the event kind announcing that a job entered status.
func JobKind(status model.JobStatus) string {
	switch status {
	case model.JobStatusRunning:
		return JobRunningKind
	case model.JobStatusCompleted:
		return JobCompletedKind
	case model.JobStatusFailed:
		return JobFailedKind
	case model.JobStatusCancelled:
		return JobCancelledKind
	default:
		return JobQueuedKind
	}
}

type JobEvent struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Strategy  string    `json:"strategy"`
	Optimizer string    `json:"optimizer"`
	Regime    string    `json:"regime,omitempty"`
	Note      string    `json:"note,omitempty"`
	Error     string    `json:"error,omitempty"`
	BestScore *float64  `json:"best_score,omitempty"`
	At        time.Time `json:"at"`
}

func NewJobEvent(job *model.Job) JobEvent {
	e := JobEvent{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		Strategy:  job.Strategy,
		Optimizer: job.Optimizer,
		Regime:    job.Regime,
		Note:      job.StatusNote,
		BestScore: job.BestScore,
		At:        time.Now().UTC(),
	}
	if job.ErrorMessage != nil {
		e.Error = *job.ErrorMessage
	}
	return e
}

type SweepEvent struct {
	SyncedCompleted int       `json:"synced_completed"`
	SyncedFailed    int       `json:"synced_failed"`
	Orphaned        int       `json:"orphaned"`
	Inspected       int       `json:"inspected"`
	At              time.Time `json:"at"`
}
