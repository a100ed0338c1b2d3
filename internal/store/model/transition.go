package model

import "fmt"

var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

func ValidateTransition(from, to JobStatus) error {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", from, to)
}

// SourcesOf lists every status from which to can be reached.
func SourcesOf(to JobStatus) []JobStatus {
	var sources []JobStatus
	for _, from := range []JobStatus{JobStatusQueued, JobStatusRunning} {
		if ValidateTransition(from, to) == nil {
			sources = append(sources, from)
		}
	}
	return sources
}
