package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/riverqueue/river/rivertype"
)

// State is the view of the durable queue on one of its jobs.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateNotFound  State = "not_found"
)

var ErrJobNotFound = errors.New("queue job not found")

// Queue is the part of the durable queue the job lifecycle depends on.
type Queue interface {
	// Enqueue inserts an optimization job and returns its queue reference.
	Enqueue(ctx context.Context, jobID uuid.UUID) (int64, error)
	// Status returns StateNotFound with a nil error for unknown references.
	Status(ctx context.Context, ref int64) (State, error)
	Cancel(ctx context.Context, ref int64) error
}

// StateOf maps river job states onto queue states.
func StateOf(s rivertype.JobState) State {
	switch s {
	case rivertype.JobStateCompleted:
		return StateCompleted
	case rivertype.JobStateDiscarded:
		return StateFailed
	case rivertype.JobStateCancelled:
		return StateCancelled
	case rivertype.JobStateRunning:
		return StateRunning
	default:
		// available, scheduled, retryable and pending are all waiting for a worker
		return StatePending
	}
}

func (s State) Finished() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}
