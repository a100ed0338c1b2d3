package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/optimizer"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Status notes recorded next to the status by repairs and cancellations.
const (
	NoteSynced           = "synced"
	NoteOrphaned         = "orphaned"
	NoteCancelledInQueue = "cancelled in queue"
	NoteCancelledByUser  = "cancelled by user"
	NoteEnqueueFailed    = "enqueue failed"
)

// DatasetSelector names the bar series a job runs against.
type DatasetSelector struct {
	Symbol    string     `json:"symbol" validate:"required"`
	Timeframe string     `json:"timeframe" validate:"required"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

type Job struct {
	ID        uuid.UUID `gorm:"primaryKey;column:id;type:VARCHAR(255);"`
	Status    JobStatus `gorm:"not null;type:VARCHAR(20);index:jobs_status_idx"`
	QueueRef  *int64
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt *time.Time

	Strategy       string                               `gorm:"not null;type:VARCHAR(100)"`
	Dataset        *JSONField[DatasetSelector]          `gorm:"type:jsonb;not null"`
	Optimizer      string                               `gorm:"not null;type:VARCHAR(20)"`
	Iterations     int                                  `gorm:"not null;default:0"`
	Seed           *int64                               ``
	Preset         string                               `gorm:"type:VARCHAR(100)"`
	ParameterSpace *JSONField[optimizer.ParameterSpace] `gorm:"type:jsonb;not null"`
	// Regime is carried for callers and never read by the optimization pipeline.
	Regime string `gorm:"type:VARCHAR(100)"`

	WorkerID    string `gorm:"type:VARCHAR(255)"`
	WorkerPID   *int   `gorm:"column:worker_pid"`
	WorkerHost  string `gorm:"type:VARCHAR(255)"`
	HeartbeatAt *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ErrorMessage *string
	StatusNote   string `gorm:"type:VARCHAR(100)"`

	BestParams        *JSONField[optimizer.Params]   `gorm:"type:jsonb"`
	BestScore         *float64                       ``
	BestMetrics       *JSONField[map[string]float64] `gorm:"type:jsonb"`
	Evaluations       int                            `gorm:"not null;default:0"`
	FailedEvaluations int                            `gorm:"not null;default:0"`
	UsedSeed          *int64
}

type JobList []Job

func (j Job) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// JobEvent is an append-only record of one status transition.
type JobEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	JobID      uuid.UUID `gorm:"not null;type:VARCHAR(255);index:job_events_job_id_idx"`
	FromStatus JobStatus `gorm:"not null;type:VARCHAR(20)"`
	ToStatus   JobStatus `gorm:"not null;type:VARCHAR(20)"`
	Reason     string
	CreatedAt  time.Time `gorm:"not null"`
}
