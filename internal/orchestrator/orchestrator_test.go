package orchestrator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/orchestrator"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
	"github.com/tradelab/paramopt/internal/util"
)

type staticLoader struct {
	missing bool
}

func (l staticLoader) Load(_ context.Context, sel model.DatasetSelector) (*strategy.Series, error) {
	if l.missing {
		return nil, strategy.ErrDatasetNotFound
	}
	return &strategy.Series{Symbol: sel.Symbol, Timeframe: sel.Timeframe, Bars: make([]strategy.Bar, 10)}, nil
}

func (staticLoader) Type() string { return "static" }

// funcStrategy scores parameters with a plain function.
type funcStrategy struct {
	name  string
	space optimizer.ParameterSpace
	fn    func(ctx context.Context, p optimizer.Params) (optimizer.Evaluation, error)
}

func (f funcStrategy) Name() string                           { return f.name }
func (f funcStrategy) DefaultSpace() optimizer.ParameterSpace { return f.space }
func (f funcStrategy) Evaluator(*strategy.Series) optimizer.Evaluator {
	return optimizer.EvaluatorFunc(f.fn)
}

var gridSpace = optimizer.ParameterSpace{Parameters: []optimizer.Parameter{
	{Name: "a", Kind: optimizer.KindDiscrete, Values: []any{1, 2}},
	{Name: "b", Kind: optimizer.KindDiscrete, Values: []any{10, 20, 30}},
}}

var rangeSpace = optimizer.ParameterSpace{Parameters: []optimizer.Parameter{
	{Name: "x", Kind: optimizer.KindContinuous, Min: 0, Max: 10},
}}

func product(_ context.Context, p optimizer.Params) (optimizer.Evaluation, error) {
	a, _ := p.Float("a")
	b, _ := p.Float("b")
	return optimizer.Evaluation{Score: a * b, Metrics: map[string]float64{"trades": 3}}, nil
}

var _ = Describe("orchestrator", Ordered, func() {
	var (
		s        store.Store
		registry *strategy.Registry
		calls    atomic.Int64
		opts     orchestrator.Options
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())
		s = store.NewStore(db)
		Expect(s.InitialMigration(context.TODO())).To(Succeed())

		registry = strategy.NewRegistry(
			funcStrategy{name: "product", space: gridSpace, fn: product},
			funcStrategy{name: "broken", space: rangeSpace, fn: func(context.Context, optimizer.Params) (optimizer.Evaluation, error) {
				return optimizer.Evaluation{}, errors.New("backtest crashed")
			}},
			funcStrategy{name: "drifting", space: rangeSpace, fn: func(_ context.Context, p optimizer.Params) (optimizer.Evaluation, error) {
				x, _ := p.Float("x")
				return optimizer.Evaluation{Score: x + float64(calls.Add(1))}, nil
			}},
			funcStrategy{name: "slow", space: rangeSpace, fn: func(ctx context.Context, p optimizer.Params) (optimizer.Evaluation, error) {
				select {
				case <-ctx.Done():
					return optimizer.Evaluation{}, ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
				x, _ := p.Float("x")
				return optimizer.Evaluation{Score: -x * x}, nil
			}},
		)
	})

	AfterAll(func() {
		s.Close()
	})

	BeforeEach(func() {
		opts = orchestrator.Options{
			PoolSize:       2,
			MaxGridSize:    1000,
			InitialSamples: 3,
			ValidationTopN: 3,
			Retry:          util.RetryPolicy{Attempts: 2, Initial: time.Millisecond},
		}
	})

	newJob := func(strat, opt string, space optimizer.ParameterSpace, iterations int, seed *int64) *model.Job {
		job, err := s.Job().Create(context.TODO(), model.Job{
			Strategy:       strat,
			Dataset:        model.MakeJSONField(model.DatasetSelector{Symbol: "BTCUSDT", Timeframe: "1h"}),
			Optimizer:      opt,
			Iterations:     iterations,
			Seed:           seed,
			ParameterSpace: model.MakeJSONField(space),
			Regime:         "sideways",
		})
		Expect(err).To(BeNil())
		return job
	}

	newOrchestrator := func(loader strategy.Loader) *orchestrator.Orchestrator {
		return orchestrator.New(s, loader, registry, nil, opts)
	}

	It("runs the exhaustive grid to completion", func() {
		job := newJob("product", optimizer.NameExhaustive, gridSpace, 0, nil)
		Expect(newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 11)).To(Succeed())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusCompleted))
		Expect(*got.QueueRef).To(Equal(int64(11)))
		Expect(*got.BestScore).To(Equal(60.0))
		Expect(got.BestParams.Data).To(HaveKeyWithValue("a", BeNumerically("==", 2)))
		Expect(got.BestParams.Data).To(HaveKeyWithValue("b", BeNumerically("==", 30)))
		Expect(got.Evaluations).To(Equal(6))
		Expect(got.BestMetrics.Data).To(HaveKeyWithValue("validation_score", 60.0))
		Expect(got.BestMetrics.Data).To(HaveKeyWithValue("validation_checked", 3.0))
		Expect(got.Regime).To(Equal("sideways"))
		Expect(got.WorkerPID).NotTo(BeNil())

		snap, err := s.Progress().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(snap.IsComplete).To(BeTrue())
		Expect(snap.OverallPercentage).To(Equal(100.0))
		Expect(snap.ErrorMessage).To(BeNil())

		evs, err := s.Job().Events(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(evs).To(HaveLen(2))
		Expect(evs[1].ToStatus).To(Equal(model.JobStatusCompleted))
	})

	It("persists the seed that was used", func() {
		job := newJob("product", optimizer.NameRandomized, gridSpace, 5, nil)
		Expect(newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 12)).To(Succeed())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusCompleted))
		Expect(got.UsedSeed).NotTo(BeNil())

		seed := *got.UsedSeed
		replay := newJob("product", optimizer.NameRandomized, gridSpace, 5, &seed)
		Expect(newOrchestrator(staticLoader{}).Run(context.TODO(), replay.ID, 13)).To(Succeed())
		again, err := s.Job().Get(context.TODO(), replay.ID)
		Expect(err).To(BeNil())
		Expect(*again.BestScore).To(Equal(*got.BestScore))
		Expect(again.BestParams.Data).To(Equal(got.BestParams.Data))
	})

	It("fails the job when every evaluation fails", func() {
		job := newJob("broken", optimizer.NameSurrogate, rangeSpace, 4, nil)
		err := newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 14)
		Expect(errors.Is(err, optimizer.ErrAllEvaluationsFailed)).To(BeTrue())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusFailed))
		Expect(*got.ErrorMessage).To(ContainSubstring("backtest crashed"))

		snap, err := s.Progress().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(snap.IsComplete).To(BeTrue())
		Expect(snap.ErrorMessage).NotTo(BeNil())
		Expect(snap.OverallPercentage).To(BeNumerically("<", 100))
	})

	It("fails the job when the best score does not reproduce", func() {
		job := newJob("drifting", optimizer.NameRandomized, rangeSpace, 4, nil)
		err := newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 15)
		Expect(errors.Is(err, orchestrator.ErrValidationFailed)).To(BeTrue())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusFailed))
	})

	It("fails the job when the dataset is missing", func() {
		job := newJob("product", optimizer.NameExhaustive, gridSpace, 0, nil)
		err := newOrchestrator(staticLoader{missing: true}).Run(context.TODO(), job.ID, 16)
		Expect(errors.Is(err, strategy.ErrDatasetNotFound)).To(BeTrue())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusFailed))
	})

	It("fails the job for an unknown strategy", func() {
		job := newJob("martingale", optimizer.NameExhaustive, gridSpace, 0, nil)
		err := newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 17)
		Expect(errors.Is(err, strategy.ErrUnknownStrategy)).To(BeTrue())
	})

	It("leaves finished jobs alone", func() {
		job := newJob("product", optimizer.NameExhaustive, gridSpace, 0, nil)
		_, err := s.Job().Transition(context.TODO(), job.ID, model.JobStatusCancelled, store.JobUpdate{})
		Expect(err).To(BeNil())

		Expect(newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 18)).To(Succeed())
		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusCancelled))
		_, err = s.Progress().Get(context.TODO(), job.ID)
		Expect(errors.Is(err, store.ErrRecordNotFound)).To(BeTrue())
	})

	It("refuses a job running under another worker", func() {
		job := newJob("product", optimizer.NameExhaustive, gridSpace, 0, nil)
		_, err := s.Job().Transition(context.TODO(), job.ID, model.JobStatusRunning, store.JobUpdate{
			Owner: &store.WorkerOwner{ID: "elsewhere:1", PID: 1, Host: "elsewhere"},
		})
		Expect(err).To(BeNil())

		err = newOrchestrator(staticLoader{}).Run(context.TODO(), job.ID, 19)
		Expect(errors.Is(err, orchestrator.ErrOwnedByAnotherWorker)).To(BeTrue())
		got, _ := s.Job().Get(context.TODO(), job.ID)
		Expect(got.WorkerID).To(Equal("elsewhere:1"))
	})

	It("returns an error for an unknown job", func() {
		err := newOrchestrator(staticLoader{}).Run(context.TODO(), uuid.New(), 20)
		Expect(errors.Is(err, store.ErrRecordNotFound)).To(BeTrue())
	})

	It("stops and keeps the cancelled status when the job is cancelled while running", func() {
		opts.HeartbeatInterval = 20 * time.Millisecond
		opts.PoolSize = 1
		job := newJob("slow", optimizer.NameRandomized, rangeSpace, 10000, nil)
		o := newOrchestrator(staticLoader{})

		done := make(chan error, 1)
		go func() {
			done <- o.Run(context.TODO(), job.ID, 21)
		}()

		Eventually(func() model.JobStatus {
			got, _ := s.Job().Get(context.TODO(), job.ID)
			return got.Status
		}, 5*time.Second, 10*time.Millisecond).Should(Equal(model.JobStatusRunning))

		_, err := s.Job().Transition(context.TODO(), job.ID, model.JobStatusCancelled, store.JobUpdate{Note: model.NoteCancelledByUser})
		Expect(err).To(BeNil())

		var runErr error
		Eventually(done, 5*time.Second).Should(Receive(&runErr))
		Expect(errors.Is(runErr, orchestrator.ErrJobCancelled)).To(BeTrue())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusCancelled))
		Expect(got.StatusNote).To(Equal(model.NoteCancelledByUser))
	})

	It("leaves the status to the canceller when the run context is cancelled", func() {
		opts.PoolSize = 1
		job := newJob("slow", optimizer.NameRandomized, rangeSpace, 10000, nil)
		o := newOrchestrator(staticLoader{})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() {
			done <- o.Run(ctx, job.ID, 22)
		}()

		Eventually(func() model.JobStatus {
			got, _ := s.Job().Get(context.TODO(), job.ID)
			return got.Status
		}, 5*time.Second, 10*time.Millisecond).Should(Equal(model.JobStatusRunning))

		// the queue cancels the work context before the coordinator writes the record
		cancel()
		var runErr error
		Eventually(done, 5*time.Second).Should(Receive(&runErr))
		Expect(runErr).To(HaveOccurred())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusRunning))
		Expect(got.ErrorMessage).To(BeNil())

		cancelled, err := s.Job().Transition(context.TODO(), job.ID, model.JobStatusCancelled, store.JobUpdate{
			From: []model.JobStatus{model.JobStatusQueued, model.JobStatusRunning},
			Note: model.NoteCancelledByUser,
		})
		Expect(err).To(BeNil())
		Expect(cancelled.Status).To(Equal(model.JobStatusCancelled))
	})

	It("still fails the job when the run times out", func() {
		opts.PoolSize = 1
		job := newJob("slow", optimizer.NameRandomized, rangeSpace, 10000, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		Expect(newOrchestrator(staticLoader{}).Run(ctx, job.ID, 23)).NotTo(Succeed())

		got, err := s.Job().Get(context.TODO(), job.ID)
		Expect(err).To(BeNil())
		Expect(got.Status).To(Equal(model.JobStatusFailed))
	})
})
