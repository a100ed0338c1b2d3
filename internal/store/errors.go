package store

import "errors"

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateKey   = errors.New("already exists")
	// ErrTransitionRejected means the row was not in any of the expected source statuses.
	ErrTransitionRejected = errors.New("transition rejected")
)
