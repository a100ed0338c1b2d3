package queue_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/queue/queuetest"
)

type runnerFunc func(ctx context.Context, jobID uuid.UUID, ref int64) error

func (f runnerFunc) Run(ctx context.Context, jobID uuid.UUID, ref int64) error {
	return f(ctx, jobID, ref)
}

var _ = Describe("state mapping", func() {
	DescribeTable("maps river states",
		func(in rivertype.JobState, want queue.State) {
			Expect(queue.StateOf(in)).To(Equal(want))
		},
		Entry("completed", rivertype.JobStateCompleted, queue.StateCompleted),
		Entry("discarded", rivertype.JobStateDiscarded, queue.StateFailed),
		Entry("cancelled", rivertype.JobStateCancelled, queue.StateCancelled),
		Entry("running", rivertype.JobStateRunning, queue.StateRunning),
		Entry("available", rivertype.JobStateAvailable, queue.StatePending),
		Entry("scheduled", rivertype.JobStateScheduled, queue.StatePending),
		Entry("retryable", rivertype.JobStateRetryable, queue.StatePending),
		Entry("pending", rivertype.JobStatePending, queue.StatePending),
	)
})

var _ = Describe("OptimizationArgs", func() {
	It("returns the job kind", func() {
		Expect(queue.OptimizationArgs{}.Kind()).To(Equal(queue.JobKind))
	})
})

var _ = Describe("OptimizationWorker", func() {
	It("runs the job with its queue reference", func() {
		jobID := uuid.New()
		var gotID uuid.UUID
		var gotRef int64
		w := queue.NewOptimizationWorker(runnerFunc(func(_ context.Context, id uuid.UUID, ref int64) error {
			gotID, gotRef = id, ref
			return nil
		}), time.Minute)

		err := w.Work(context.TODO(), &river.Job[queue.OptimizationArgs]{
			JobRow: &rivertype.JobRow{ID: 17},
			Args:   queue.OptimizationArgs{JobID: jobID.String()},
		})
		Expect(err).To(BeNil())
		Expect(gotID).To(Equal(jobID))
		Expect(gotRef).To(Equal(int64(17)))
		Expect(w.Timeout(nil)).To(Equal(time.Minute))
	})

	It("returns the runner error to the queue", func() {
		w := queue.NewOptimizationWorker(runnerFunc(func(context.Context, uuid.UUID, int64) error {
			return errors.New("boom")
		}), time.Minute)

		err := w.Work(context.TODO(), &river.Job[queue.OptimizationArgs]{
			JobRow: &rivertype.JobRow{ID: 1},
			Args:   queue.OptimizationArgs{JobID: uuid.NewString()},
		})
		Expect(err).To(MatchError("boom"))
	})

	It("cancels a job with a malformed id", func() {
		called := false
		w := queue.NewOptimizationWorker(runnerFunc(func(context.Context, uuid.UUID, int64) error {
			called = true
			return nil
		}), time.Minute)

		err := w.Work(context.TODO(), &river.Job[queue.OptimizationArgs]{
			JobRow: &rivertype.JobRow{ID: 1},
			Args:   queue.OptimizationArgs{JobID: "not-a-uuid"},
		})
		Expect(err).NotTo(BeNil())
		Expect(called).To(BeFalse())
	})

	It("does not start when the context is done", func() {
		ctx, cancel := context.WithCancel(context.TODO())
		cancel()
		w := queue.NewOptimizationWorker(runnerFunc(func(context.Context, uuid.UUID, int64) error {
			Fail("runner must not be called")
			return nil
		}), time.Minute)

		err := w.Work(ctx, &river.Job[queue.OptimizationArgs]{
			JobRow: &rivertype.JobRow{ID: 1},
			Args:   queue.OptimizationArgs{JobID: uuid.NewString()},
		})
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})
})

var _ = Describe("in-memory queue", func() {
	It("tracks enqueued jobs and cancellation", func() {
		q := queuetest.New()
		jobID := uuid.New()
		ref, err := q.Enqueue(context.TODO(), jobID)
		Expect(err).To(BeNil())
		Expect(q.JobOf(ref)).To(Equal(jobID))

		state, err := q.Status(context.TODO(), ref)
		Expect(err).To(BeNil())
		Expect(state).To(Equal(queue.StatePending))

		Expect(q.Cancel(context.TODO(), ref)).To(Succeed())
		state, _ = q.Status(context.TODO(), ref)
		Expect(state).To(Equal(queue.StateCancelled))

		state, _ = q.Status(context.TODO(), 999)
		Expect(state).To(Equal(queue.StateNotFound))
		Expect(errors.Is(q.Cancel(context.TODO(), 999), queue.ErrJobNotFound)).To(BeTrue())
	})
})
