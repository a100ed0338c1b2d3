package v1alpha1_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	api "github.com/tradelab/paramopt/api/v1alpha1"
	"github.com/tradelab/paramopt/internal/cancellation"
	"github.com/tradelab/paramopt/internal/config"
	handlers "github.com/tradelab/paramopt/internal/handlers/v1alpha1"
	"github.com/tradelab/paramopt/internal/process/processtest"
	"github.com/tradelab/paramopt/internal/queue/queuetest"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/service"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/strategy"
	"gorm.io/gorm"
)

const validJob = `{
	"strategy": "sma_crossover",
	"dataset": {"symbol": "BTCUSDT", "timeframe": "1h"},
	"optimizer": "surrogate",
	"iterations": 30,
	"seed": 7
}`

var _ = Describe("job handler", Ordered, func() {
	var (
		s      store.Store
		gormDB *gorm.DB
		router chi.Router
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
		q := queuetest.New()
		inspector := processtest.New()
		registry := strategy.DefaultRegistry()
		sweeper := reconcile.NewSweeper(s, q, inspector, nil, reconcile.Options{Host: "api-host"})
		coordinator := cancellation.NewCoordinator(s, q, inspector, nil, sweeper, nil, cancellation.Options{
			Host:         "api-host",
			CPUThreshold: 5,
			SampleWindow: time.Millisecond,
		})
		srv := service.NewJobService(s, q, registry, strategy.NewPresetCatalog(registry), coordinator, sweeper, nil, 1000)

		router = chi.NewRouter()
		router.Route("/api/v1", handlers.NewServiceHandler(srv).Routes)
	})

	AfterEach(func() {
		gormDB.Exec("DELETE FROM job_events;")
		gormDB.Exec("DELETE FROM progress_snapshots;")
		gormDB.Exec("DELETE FROM jobs;")
	})

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	submit := func() api.JobCreated {
		rec := do(http.MethodPost, "/api/v1/jobs", validJob)
		Expect(rec.Code).To(Equal(http.StatusCreated))
		var created api.JobCreated
		Expect(json.Unmarshal(rec.Body.Bytes(), &created)).To(Succeed())
		return created
	}

	Context("CreateJob", func() {
		It("returns 201 with the queued job", func() {
			created := submit()
			Expect(created.Status).To(Equal(api.JobStatusQueued))
			Expect(created.Id).NotTo(Equal(uuid.Nil))
		})

		It("returns 400 on malformed json", func() {
			rec := do(http.MethodPost, "/api/v1/jobs", "{")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 when validation fails", func() {
			rec := do(http.MethodPost, "/api/v1/jobs", `{"strategy":"sma_crossover","dataset":{"symbol":"BTCUSDT","timeframe":"1h"},"optimizer":"annealing","iterations":5}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			var apiErr api.Error
			Expect(json.Unmarshal(rec.Body.Bytes(), &apiErr)).To(Succeed())
			Expect(apiErr.Message).To(ContainSubstring("Optimizer"))
		})

		It("returns 400 on an unknown strategy", func() {
			rec := do(http.MethodPost, "/api/v1/jobs", strings.Replace(validJob, "sma_crossover", "martingale", 1))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("GetJob", func() {
		It("returns the job", func() {
			created := submit()
			rec := do(http.MethodGet, "/api/v1/jobs/"+created.Id.String(), "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var job api.Job
			Expect(json.Unmarshal(rec.Body.Bytes(), &job)).To(Succeed())
			Expect(job.Strategy).To(Equal("sma_crossover"))
			Expect(*job.Seed).To(Equal(int64(7)))
			Expect(job.ParameterSpace.Parameters).NotTo(BeEmpty())
			Expect(job.QueueRef).NotTo(BeNil())
		})

		It("returns 404 when job not found", func() {
			rec := do(http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 400 on a malformed id", func() {
			rec := do(http.MethodGet, "/api/v1/jobs/123", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("ListJobs", func() {
		It("filters by status", func() {
			submit()
			submit()

			rec := do(http.MethodGet, "/api/v1/jobs?status=queued", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var jobs api.JobList
			Expect(json.Unmarshal(rec.Body.Bytes(), &jobs)).To(Succeed())
			Expect(jobs).To(HaveLen(2))

			rec = do(http.MethodGet, "/api/v1/jobs?status=running", "")
			Expect(json.Unmarshal(rec.Body.Bytes(), &jobs)).To(Succeed())
			Expect(jobs).To(BeEmpty())
		})

		It("rejects an unknown status", func() {
			rec := do(http.MethodGet, "/api/v1/jobs?status=paused", "")
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("GetJobProgress", func() {
		It("returns 404 until progress exists", func() {
			created := submit()
			rec := do(http.MethodGet, "/api/v1/jobs/"+created.Id.String()+"/progress", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			Expect(s.Progress().Upsert(context.TODO(), model.ProgressSnapshot{
				JobID:             created.Id,
				OverallPercentage: 40,
				StepName:          "optimization",
				StepIndex:         2,
				TotalSteps:        4,
				StepPercentage:    30,
			})).To(Succeed())

			rec = do(http.MethodGet, "/api/v1/jobs/"+created.Id.String()+"/progress", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var p api.Progress
			Expect(json.Unmarshal(rec.Body.Bytes(), &p)).To(Succeed())
			Expect(p.OverallPercentage).To(Equal(40.0))
			Expect(p.IsComplete).To(BeFalse())
		})
	})

	Context("CancelJob", func() {
		It("cancels and then returns 409", func() {
			created := submit()
			rec := do(http.MethodPost, "/api/v1/jobs/"+created.Id.String()+"/cancel", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var res api.CancelResult
			Expect(json.Unmarshal(rec.Body.Bytes(), &res)).To(Succeed())
			Expect(res.Status).To(Equal(api.JobStatusCancelled))
			Expect(res.ProcessTerminated).To(BeFalse())
			Expect(res.Sweep).NotTo(BeNil())

			rec = do(http.MethodPost, "/api/v1/jobs/"+created.Id.String()+"/cancel", "")
			Expect(rec.Code).To(Equal(http.StatusConflict))

			rec = do(http.MethodGet, "/api/v1/jobs/"+created.Id.String()+"/events", "")
			Expect(rec.Code).To(Equal(http.StatusOK))
			var history []api.JobEvent
			Expect(json.Unmarshal(rec.Body.Bytes(), &history)).To(Succeed())
			Expect(history).To(HaveLen(1))
			Expect(history[0].To).To(Equal(api.JobStatusCancelled))
		})

		It("returns 404 when job not found", func() {
			rec := do(http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/cancel", "")
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	It("sweeps on demand", func() {
		rec := do(http.MethodPost, "/api/v1/sweeps", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		var res api.SweepResult
		Expect(json.Unmarshal(rec.Body.Bytes(), &res)).To(Succeed())
		Expect(res.Inspected).To(Equal(0))
	})

	It("lists presets", func() {
		rec := do(http.MethodGet, "/api/v1/presets", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		var presets api.PresetList
		Expect(json.Unmarshal(rec.Body.Bytes(), &presets)).To(Succeed())
		Expect(presets).To(HaveLen(2))
	})
})
