package service

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrResourceNotFound struct {
	error
}

func NewErrResourceNotFound(id uuid.UUID, resourceType string) *ErrResourceNotFound {
	return &ErrResourceNotFound{fmt.Errorf("%s %s not found", resourceType, id)}
}

func NewErrJobNotFound(id uuid.UUID) *ErrResourceNotFound {
	return NewErrResourceNotFound(id, "job")
}

type ErrProgressNotFound struct {
	error
}

func NewErrProgressNotFound(id uuid.UUID) *ErrProgressNotFound {
	return &ErrProgressNotFound{fmt.Errorf("job %s has not reported progress yet", id)}
}

type ErrJobAlreadyFinished struct {
	error
}

func NewErrJobAlreadyFinished(err error) *ErrJobAlreadyFinished {
	return &ErrJobAlreadyFinished{err}
}

func (e *ErrJobAlreadyFinished) Unwrap() error { return e.error }

type ErrInvalidJob struct {
	error
}

func NewErrInvalidJob(format string, args ...any) *ErrInvalidJob {
	return &ErrInvalidJob{fmt.Errorf(format, args...)}
}

type ErrEnqueueFailed struct {
	error
}

func NewErrEnqueueFailed(id uuid.UUID, err error) *ErrEnqueueFailed {
	return &ErrEnqueueFailed{fmt.Errorf("job %s could not be queued: %w", id, err)}
}
