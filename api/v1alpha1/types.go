// Package v1alpha1 holds the JSON documents of the /api/v1 HTTP API.
package v1alpha1

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

type DatasetSelector struct {
	Symbol    string     `json:"symbol" validate:"required,symbol"`
	Timeframe string     `json:"timeframe" validate:"required,timeframe"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

type Parameter struct {
	Name   string  `json:"name" validate:"required"`
	Kind   string  `json:"kind" validate:"required,oneof=discrete continuous integer"`
	Values []any   `json:"values,omitempty" validate:"required_if=Kind discrete"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty" validate:"gtefield=Min"`
	Step   float64 `json:"step,omitempty" validate:"gte=0"`
	Log    bool    `json:"log,omitempty"`
}

type ParameterSpace struct {
	Parameters []Parameter `json:"parameters" validate:"required,min=1,unique=Name,dive"`
}

// JobCreate is the body of POST /jobs. Either ParameterSpace or Preset selects the
// search space; with neither the strategy's default preset is used.
type JobCreate struct {
	Strategy       string          `json:"strategy" validate:"required"`
	Dataset        DatasetSelector `json:"dataset" validate:"required"`
	Optimizer      string          `json:"optimizer" validate:"required,oneof=exhaustive randomized surrogate"`
	Iterations     int             `json:"iterations" validate:"gte=0,lte=1000000,required_unless=Optimizer exhaustive"`
	Seed           *int64          `json:"seed,omitempty"`
	ParameterSpace *ParameterSpace `json:"parameter_space,omitempty" validate:"omitempty,excluded_with=Preset"`
	Preset         *string         `json:"preset,omitempty"`
	Regime         *string         `json:"regime,omitempty" validate:"omitempty,max=100"`
}

type JobCreated struct {
	Id     uuid.UUID `json:"id"`
	Status JobStatus `json:"status"`
}

type Worker struct {
	Id   string `json:"id"`
	Pid  *int   `json:"pid,omitempty"`
	Host string `json:"host,omitempty"`
}

type JobResult struct {
	BestParams        map[string]any     `json:"best_params"`
	BestScore         float64            `json:"best_score"`
	BestMetrics       map[string]float64 `json:"best_metrics,omitempty"`
	Evaluations       int                `json:"evaluations"`
	FailedEvaluations int                `json:"failed_evaluations"`
	Seed              *int64             `json:"seed,omitempty"`
}

type Job struct {
	Id             uuid.UUID       `json:"id"`
	Status         JobStatus       `json:"status"`
	StatusNote     *string         `json:"status_note,omitempty"`
	QueueRef       *int64          `json:"queue_ref,omitempty"`
	Strategy       string          `json:"strategy"`
	Dataset        DatasetSelector `json:"dataset"`
	Optimizer      string          `json:"optimizer"`
	Iterations     int             `json:"iterations"`
	Seed           *int64          `json:"seed,omitempty"`
	Preset         *string         `json:"preset,omitempty"`
	Regime         *string         `json:"regime,omitempty"`
	ParameterSpace ParameterSpace  `json:"parameter_space"`
	Worker         *Worker         `json:"worker,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	HeartbeatAt    *time.Time      `json:"heartbeat_at,omitempty"`
	Error          *string         `json:"error,omitempty"`
	Result         *JobResult      `json:"result,omitempty"`
}

type JobList []Job

type JobEvent struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Progress struct {
	JobId             uuid.UUID      `json:"job_id"`
	OverallPercentage float64        `json:"overall_percentage"`
	StepName          string         `json:"step_name"`
	StepIndex         int            `json:"step_index"`
	TotalSteps        int            `json:"total_steps"`
	StepPercentage    float64        `json:"step_percentage"`
	Iteration         *int           `json:"iteration,omitempty"`
	TotalIterations   *int           `json:"total_iterations,omitempty"`
	BestScoreSoFar    *float64       `json:"best_score_so_far,omitempty"`
	CurrentScore      *float64       `json:"current_score,omitempty"`
	BestParams        map[string]any `json:"best_params,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
	IsComplete        bool           `json:"is_complete"`
	Error             *string        `json:"error,omitempty"`
}

type SweepResult struct {
	SyncedCompleted int      `json:"synced_completed"`
	SyncedFailed    int      `json:"synced_failed"`
	Orphaned        int      `json:"orphaned"`
	Inspected       int      `json:"inspected"`
	Errors          []string `json:"errors,omitempty"`
}

type CancelResult struct {
	JobId             uuid.UUID    `json:"job_id"`
	QueueSignalled    bool         `json:"queue_signalled"`
	ProcessTerminated bool         `json:"process_terminated"`
	Pid               *int         `json:"pid,omitempty"`
	PoolRestarted     bool         `json:"pool_restarted"`
	Status            JobStatus    `json:"status"`
	Sweep             *SweepResult `json:"sweep,omitempty"`
}

type Preset struct {
	Name           string         `json:"name"`
	Strategy       string         `json:"strategy"`
	Description    string         `json:"description,omitempty"`
	ParameterSpace ParameterSpace `json:"parameter_space"`
}

type PresetList []Preset

type Error struct {
	Message   string  `json:"message"`
	RequestId *string `json:"request_id,omitempty"`
}
