package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/process/processtest"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/queue/queuetest"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"gorm.io/gorm"
)

const localHost = "worker-host"

var _ = Describe("sweeper", Ordered, func() {
	var (
		s         store.Store
		gormDB    *gorm.DB
		q         *queuetest.Queue
		inspector *processtest.Inspector
		sweeper   *reconcile.Sweeper
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())
		gormDB = db
		s = store.NewStore(db)
		Expect(s.InitialMigration(context.TODO())).To(Succeed())
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		q = queuetest.New()
		inspector = processtest.New()
		sweeper = reconcile.NewSweeper(s, q, inspector, nil, reconcile.Options{Host: localHost})
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM job_events;")
		gormDB.Exec("DELETE FROM progress_snapshots;")
		gormDB.Exec("DELETE FROM jobs;")
	})

	// running creates a running job owned by pid on host and enqueued as ref.
	running := func(ref *int64, host string, pid int) *model.Job {
		job, err := s.Job().Create(context.TODO(), model.Job{
			Strategy:       "sma_crossover",
			Dataset:        model.MakeJSONField(model.DatasetSelector{Symbol: "BTCUSDT", Timeframe: "1h"}),
			Optimizer:      optimizer.NameRandomized,
			Iterations:     10,
			ParameterSpace: model.MakeJSONField(optimizer.ParameterSpace{}),
		})
		Expect(err).To(BeNil())
		job, err = s.Job().Transition(context.TODO(), job.ID, model.JobStatusRunning, store.JobUpdate{
			Owner:    &store.WorkerOwner{ID: "w", PID: pid, Host: host},
			QueueRef: ref,
		})
		Expect(err).To(BeNil())
		return job
	}

	ref := func(v int64) *int64 { return &v }

	status := func(job *model.Job) *model.Job {
		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		return got
	}

	It("syncs running jobs with the queue", func() {
		completed := running(ref(1), localHost, 100)
		q.Set(1, queue.StateCompleted)
		discarded := running(ref(2), localHost, 100)
		q.Set(2, queue.StateFailed)
		cancelled := running(ref(3), localHost, 100)
		q.Set(3, queue.StateCancelled)
		pruned := running(ref(4), localHost, 100)
		unqueued := running(nil, localHost, 100)

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Inspected).To(Equal(5))
		Expect(report.SyncedCompleted).To(Equal(1))
		Expect(report.SyncedFailed).To(Equal(2))
		Expect(report.Orphaned).To(Equal(2))
		Expect(report.Err()).To(BeNil())

		Expect(status(completed).Status).To(Equal(model.JobStatusCompleted))
		Expect(status(completed).StatusNote).To(Equal(model.NoteSynced))
		Expect(status(discarded).Status).To(Equal(model.JobStatusFailed))
		Expect(status(discarded).StatusNote).To(Equal(model.NoteSynced))
		Expect(status(cancelled).Status).To(Equal(model.JobStatusFailed))
		Expect(*status(cancelled).ErrorMessage).To(Equal("cancelled in queue"))
		Expect(status(cancelled).StatusNote).To(Equal(model.NoteCancelledInQueue))
		Expect(status(pruned).StatusNote).To(Equal(model.NoteOrphaned))
		Expect(status(unqueued).StatusNote).To(Equal(model.NoteOrphaned))
	})

	It("is idempotent", func() {
		running(ref(1), localHost, 100)
		q.Set(1, queue.StateCompleted)
		running(ref(2), localHost, 100)

		first, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(first.Repaired()).To(Equal(2))

		second, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(second.Inspected).To(Equal(0))
		Expect(second.Repaired()).To(Equal(0))
	})

	It("counts each repair once across concurrent sweeps", func() {
		for i := int64(1); i <= 5; i++ {
			running(ref(i), localHost, 100)
			q.Set(i, queue.StateFailed)
		}

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			total int
		)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				report, err := sweeper.Sweep(context.TODO())
				Expect(err).To(BeNil())
				mu.Lock()
				total += report.Repaired()
				mu.Unlock()
			}()
		}
		wg.Wait()
		Expect(total).To(Equal(5))
	})

	It("fails jobs whose local worker died", func() {
		orphan := running(ref(1), localHost, 4242)
		q.Set(1, queue.StateRunning)
		Expect(s.Progress().Upsert(context.TODO(), model.ProgressSnapshot{JobID: orphan.ID, OverallPercentage: 37})).To(Succeed())

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Orphaned).To(Equal(1))

		got := status(orphan)
		Expect(got.Status).To(Equal(model.JobStatusFailed))
		Expect(got.StatusNote).To(Equal(model.NoteOrphaned))
		Expect(*got.ErrorMessage).To(Equal("worker process is gone"))

		snap, err := s.Progress().Get(context.TODO(), orphan.ID)
		Expect(err).To(BeNil())
		Expect(snap.IsComplete).To(BeTrue())
		Expect(snap.OverallPercentage).To(Equal(37.0))
	})

	It("treats a reused pid as a dead worker", func() {
		orphan := running(ref(1), localHost, 4242)
		q.Set(1, queue.StateRunning)
		inspector.Add(4242, processtest.Proc{Worker: false})

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Orphaned).To(Equal(1))
		Expect(status(orphan).Status).To(Equal(model.JobStatusFailed))
	})

	It("leaves healthy jobs alone", func() {
		healthy := running(ref(1), localHost, 4242)
		q.Set(1, queue.StateRunning)
		inspector.Add(4242, processtest.Proc{Worker: true})
		remote := running(ref(2), "other-host", 999)
		q.Set(2, queue.StatePending)

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Inspected).To(Equal(2))
		Expect(report.Repaired()).To(Equal(0))
		Expect(status(healthy).Status).To(Equal(model.JobStatusRunning))
		Expect(status(remote).Status).To(Equal(model.JobStatusRunning))
	})

	It("fails jobs with a stale heartbeat", func() {
		sweeper = reconcile.NewSweeper(s, q, inspector, nil, reconcile.Options{Host: localHost, StaleAfter: time.Nanosecond})
		stale := running(ref(1), "other-host", 999)
		q.Set(1, queue.StateRunning)
		time.Sleep(time.Millisecond)

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Orphaned).To(Equal(1))
		Expect(*status(stale).ErrorMessage).To(ContainSubstring("no heartbeat since"))
	})

	It("reports queue errors without touching the job", func() {
		job := running(ref(1), localHost, 100)
		q.Err = errors.New("queue unavailable")

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Inspected).To(Equal(1))
		Expect(report.Errors).To(HaveLen(1))
		Expect(report.Err()).To(MatchError(ContainSubstring("queue unavailable")))
		Expect(status(job).Status).To(Equal(model.JobStatusRunning))
	})

	It("never touches finished jobs", func() {
		job := running(ref(1), localHost, 100)
		_, err := s.Job().Transition(context.TODO(), job.ID, model.JobStatusCancelled, store.JobUpdate{})
		Expect(err).To(BeNil())

		report, err := sweeper.Sweep(context.TODO())
		Expect(err).To(BeNil())
		Expect(report.Inspected).To(Equal(0))
		Expect(status(job).Status).To(Equal(model.JobStatusCancelled))
	})
})
