package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/optimizer"
)

// ProgressSnapshot is the latest progress of a job. One row per job, overwritten on every update.
type ProgressSnapshot struct {
	JobID             uuid.UUID `gorm:"primaryKey;column:job_id;type:VARCHAR(255);"`
	OverallPercentage float64   `gorm:"not null;default:0"`
	StepName          string    `gorm:"type:VARCHAR(50)"`
	StepIndex         int
	TotalSteps        int
	StepPercentage    float64
	Iteration         *int
	TotalIterations   *int
	BestScoreSoFar    *float64
	CurrentScore      *float64
	BestParams        *JSONField[optimizer.Params] `gorm:"type:jsonb"`
	UpdatedAt         time.Time                    `gorm:"not null"`
	IsComplete        bool                         `gorm:"not null;default:false"`
	ErrorMessage      *string
}

func (p ProgressSnapshot) String() string {
	val, _ := json.Marshal(p)
	return string(val)
}
