package service_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tradelab/paramopt/internal/cancellation"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/events"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/process/processtest"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/queue/queuetest"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/service"
	"github.com/tradelab/paramopt/internal/service/mappers"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
	"github.com/tradelab/paramopt/internal/util"
	"gorm.io/gorm"
)

type recordingEmitter struct {
	mu    sync.Mutex
	kinds []string
}

func (e *recordingEmitter) Write(_ context.Context, kind string, body io.Reader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, body)
	e.kinds = append(e.kinds, kind)
	return nil
}

func (e *recordingEmitter) Kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

var _ = Describe("job service", Ordered, func() {
	var (
		s       store.Store
		gormDB  *gorm.DB
		q       *queuetest.Queue
		emitter *recordingEmitter
		srv     *service.JobService
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
		emitter = &recordingEmitter{}
		inspector := processtest.New()
		registry := strategy.DefaultRegistry()
		sweeper := reconcile.NewSweeper(s, q, inspector, emitter, reconcile.Options{Host: "api-host"})
		coordinator := cancellation.NewCoordinator(s, q, inspector, nil, sweeper, emitter, cancellation.Options{
			Host:         "api-host",
			CPUThreshold: 5,
			SampleWindow: time.Millisecond,
		})
		srv = service.NewJobService(s, q, registry, strategy.NewPresetCatalog(registry), coordinator, sweeper, emitter, 1000).
			WithRetry(util.RetryPolicy{Attempts: 3, Initial: time.Millisecond})
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM job_events;")
		gormDB.Exec("DELETE FROM progress_snapshots;")
		gormDB.Exec("DELETE FROM jobs;")
	})

	form := func() mappers.JobForm {
		return mappers.JobForm{
			Strategy:   "sma_crossover",
			Dataset:    model.DatasetSelector{Symbol: "BTCUSDT", Timeframe: "1h"},
			Optimizer:  optimizer.NameRandomized,
			Iterations: 25,
		}
	}

	Context("submit", func() {
		It("creates a queued job with the default preset and a queue ref", func() {
			job, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusQueued))
			Expect(job.QueueRef).NotTo(BeNil())
			Expect(q.JobOf(*job.QueueRef)).To(Equal(job.ID))

			stored, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(*stored.QueueRef).To(Equal(*job.QueueRef))
			Expect(stored.ParameterSpace.Data.Names()).To(ContainElements("fast", "slow"))
			Expect(emitter.Kinds()).To(ContainElement(events.JobQueuedKind))
		})

		It("keeps an explicit space and the regime", func() {
			f := form()
			f.Regime = "trending"
			f.Space = &optimizer.ParameterSpace{Parameters: []optimizer.Parameter{
				{Name: "fast", Kind: optimizer.KindInteger, Min: 3, Max: 8},
				{Name: "slow", Kind: optimizer.KindInteger, Min: 20, Max: 40},
			}}
			job, err := srv.Submit(context.TODO(), f)
			Expect(err).To(BeNil())

			stored, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(stored.Regime).To(Equal("trending"))
			Expect(stored.ParameterSpace.Data.Parameters[0].Max).To(Equal(8.0))
		})

		DescribeTable("rejects invalid submissions",
			func(mutate func(f *mappers.JobForm)) {
				f := form()
				mutate(&f)
				_, err := srv.Submit(context.TODO(), f)
				var invalid *service.ErrInvalidJob
				Expect(errors.As(err, &invalid)).To(BeTrue())
				Expect(q.Cancelled()).To(BeEmpty())

				jobs, err := s.Job().List(context.TODO(), nil, nil)
				Expect(err).To(BeNil())
				Expect(jobs).To(BeEmpty())
			},
			Entry("unknown strategy", func(f *mappers.JobForm) { f.Strategy = "martingale" }),
			Entry("unknown optimizer", func(f *mappers.JobForm) { f.Optimizer = "annealing" }),
			Entry("no iterations", func(f *mappers.JobForm) { f.Iterations = 0 }),
			Entry("unknown preset", func(f *mappers.JobForm) { f.Preset = "aggressive" }),
			Entry("preset and space", func(f *mappers.JobForm) {
				f.Preset = strategy.DefaultPreset
				f.Space = &optimizer.ParameterSpace{Parameters: []optimizer.Parameter{{Name: "fast", Kind: optimizer.KindInteger, Min: 2, Max: 4}}}
			}),
			Entry("invalid space", func(f *mappers.JobForm) {
				f.Space = &optimizer.ParameterSpace{Parameters: []optimizer.Parameter{{Name: "fast", Kind: optimizer.KindInteger, Min: 9, Max: 4}}}
			}),
			Entry("grid too large", func(f *mappers.JobForm) {
				f.Optimizer = optimizer.NameExhaustive
				f.Space = &optimizer.ParameterSpace{Parameters: []optimizer.Parameter{
					{Name: "fast", Kind: optimizer.KindInteger, Min: 1, Max: 100},
					{Name: "slow", Kind: optimizer.KindInteger, Min: 1, Max: 100},
				}}
			}),
			Entry("end before start", func(f *mappers.JobForm) {
				start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
				end := start.Add(-time.Hour)
				f.Dataset.Start, f.Dataset.End = &start, &end
			}),
		)

		It("retries a queue that fails transiently", func() {
			q.FailEnqueues(2, errors.New("connection reset"))

			job, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.JobStatusQueued))
			Expect(job.QueueRef).NotTo(BeNil())
			Expect(q.EnqueueCalls()).To(Equal(3))

			got, err := s.Job().Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.Status).To(Equal(model.JobStatusQueued))
			Expect(*got.QueueRef).To(Equal(*job.QueueRef))
		})

		It("fails the record when the queue refuses the job", func() {
			q.Err = errors.New("queue down")

			_, err := srv.Submit(context.TODO(), form())
			var enqueue *service.ErrEnqueueFailed
			Expect(errors.As(err, &enqueue)).To(BeTrue())

			jobs, err := s.Job().List(context.TODO(), nil, nil)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Status).To(Equal(model.JobStatusFailed))
			Expect(jobs[0].StatusNote).To(Equal(model.NoteEnqueueFailed))
			Expect(*jobs[0].ErrorMessage).To(ContainSubstring("queue down"))
			Expect(q.EnqueueCalls()).To(Equal(3))
		})
	})

	Context("read", func() {
		It("returns not found for unknown jobs", func() {
			_, err := srv.Get(context.TODO(), uuid.New())
			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())

			_, err = srv.Progress(context.TODO(), uuid.New())
			Expect(errors.As(err, &notFound)).To(BeTrue())

			_, err = srv.Events(context.TODO(), uuid.New())
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("distinguishes a job without progress", func() {
			job, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())

			_, err = srv.Progress(context.TODO(), job.ID)
			var noProgress *service.ErrProgressNotFound
			Expect(errors.As(err, &noProgress)).To(BeTrue())

			Expect(s.Progress().Upsert(context.TODO(), model.ProgressSnapshot{
				JobID:             job.ID,
				OverallPercentage: 12.5,
				StepName:          "optimization",
				StepIndex:         2,
				TotalSteps:        4,
			})).To(Succeed())

			snap, err := srv.Progress(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(snap.OverallPercentage).To(Equal(12.5))
		})

		It("lists by status and strategy", func() {
			first, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())
			f := form()
			f.Strategy = "breakout"
			_, err = srv.Submit(context.TODO(), f)
			Expect(err).To(BeNil())
			_, err = s.Job().Transition(context.TODO(), first.ID, model.JobStatusRunning, store.JobUpdate{})
			Expect(err).To(BeNil())

			all, err := srv.List(context.TODO(), mappers.ListFilter{})
			Expect(err).To(BeNil())
			Expect(all).To(HaveLen(2))

			running, err := srv.List(context.TODO(), mappers.ListFilter{Status: []model.JobStatus{model.JobStatusRunning}})
			Expect(err).To(BeNil())
			Expect(running).To(HaveLen(1))
			Expect(running[0].ID).To(Equal(first.ID))

			breakout, err := srv.List(context.TODO(), mappers.ListFilter{Strategy: "breakout"})
			Expect(err).To(BeNil())
			Expect(breakout).To(HaveLen(1))

			limited, err := srv.List(context.TODO(), mappers.ListFilter{Limit: 1})
			Expect(err).To(BeNil())
			Expect(limited).To(HaveLen(1))

			history, err := srv.Events(context.TODO(), first.ID)
			Expect(err).To(BeNil())
			Expect(history).To(HaveLen(1))
			Expect(history[0].ToStatus).To(Equal(model.JobStatusRunning))
		})
	})

	Context("cancel", func() {
		It("cancels a queued job", func() {
			job, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())

			res, err := srv.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(res.Status).To(Equal(model.JobStatusCancelled))
			Expect(res.QueueSignalled).To(BeTrue())
			Expect(res.ProcessTerminated).To(BeFalse())
			Expect(emitter.Kinds()).To(ContainElement(events.JobCancelledKind))
		})

		It("reports finished jobs and unknown jobs", func() {
			job, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())
			_, err = srv.Cancel(context.TODO(), job.ID)
			Expect(err).To(BeNil())

			_, err = srv.Cancel(context.TODO(), job.ID)
			var finished *service.ErrJobAlreadyFinished
			Expect(errors.As(err, &finished)).To(BeTrue())
			Expect(errors.Is(err, cancellation.ErrJobAlreadyFinished)).To(BeTrue())

			_, err = srv.Cancel(context.TODO(), uuid.New())
			var notFound *service.ErrResourceNotFound
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})
	})

	Context("sweep", func() {
		It("repairs jobs the queue already finished", func() {
			job, err := srv.Submit(context.TODO(), form())
			Expect(err).To(BeNil())
			_, err = s.Job().Transition(context.TODO(), job.ID, model.JobStatusRunning, store.JobUpdate{})
			Expect(err).To(BeNil())
			q.Set(*job.QueueRef, queue.StateFailed)

			report, err := srv.Sweep(context.TODO())
			Expect(err).To(BeNil())
			Expect(report.SyncedFailed).To(Equal(1))

			got, err := srv.Get(context.TODO(), job.ID)
			Expect(err).To(BeNil())
			Expect(got.Status).To(Equal(model.JobStatusFailed))
		})
	})

	It("lists the built-in presets", func() {
		presets := srv.Presets()
		Expect(presets).To(HaveLen(2))
		Expect(presets[0].Strategy).To(Equal("breakout"))
		Expect(presets[1].Strategy).To(Equal("sma_crossover"))
	})
})
