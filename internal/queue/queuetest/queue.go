// Package queuetest provides an in-memory queue for tests.
package queuetest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/queue"
)

type Queue struct {
	mu        sync.Mutex
	next      int64
	states    map[int64]queue.State
	jobs      map[int64]uuid.UUID
	cancelled []int64
	// Err is returned by every call when set.
	Err error

	enqueueFailures int
	enqueueErr      error
	enqueueCalls    int
}

var _ queue.Queue = (*Queue)(nil)

func New() *Queue {
	return &Queue{
		next:   1,
		states: map[int64]queue.State{},
		jobs:   map[int64]uuid.UUID{},
	}
}

func (q *Queue) Enqueue(_ context.Context, jobID uuid.UUID) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueCalls++
	if q.Err != nil {
		return 0, q.Err
	}
	if q.enqueueFailures > 0 {
		q.enqueueFailures--
		return 0, q.enqueueErr
	}
	ref := q.next
	q.next++
	q.states[ref] = queue.StatePending
	q.jobs[ref] = jobID
	return ref, nil
}

func (q *Queue) Status(_ context.Context, ref int64) (queue.State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return "", q.Err
	}
	s, ok := q.states[ref]
	if !ok {
		return queue.StateNotFound, nil
	}
	return s, nil
}

func (q *Queue) Cancel(_ context.Context, ref int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.cancelled = append(q.cancelled, ref)
	s, ok := q.states[ref]
	if !ok {
		return queue.ErrJobNotFound
	}
	if !s.Finished() {
		q.states[ref] = queue.StateCancelled
	}
	return nil
}

// Set forces the state of ref, registering it when unknown.
func (q *Queue) Set(ref int64, s queue.State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[ref] = s
	if ref >= q.next {
		q.next = ref + 1
	}
}

// Forget drops ref as if the queue had pruned it.
func (q *Queue) Forget(ref int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.states, ref)
	delete(q.jobs, ref)
}

func (q *Queue) JobOf(ref int64) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[ref]
}

func (q *Queue) Cancelled() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.cancelled...)
}

// FailEnqueues makes the next n Enqueue calls return err.
func (q *Queue) FailEnqueues(n int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueFailures = n
	q.enqueueErr = err
}

func (q *Queue) EnqueueCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueCalls
}
