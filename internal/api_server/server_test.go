package apiserver_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	apiserver "github.com/tradelab/paramopt/internal/api_server"
	"github.com/tradelab/paramopt/internal/cancellation"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/process/processtest"
	"github.com/tradelab/paramopt/internal/queue/queuetest"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/service"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/internal/strategy"
)

var _ = Describe("api server", Ordered, func() {
	var (
		s       store.Store
		cfg     *config.Config
		handler http.Handler
	)

	BeforeAll(func() {
		cfg = config.NewDefault()
		cfg.Service.PathPrefix = "/paramopt"
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())
		s = store.NewStore(db)
		Expect(s.InitialMigration(context.TODO())).To(Succeed())

		q := queuetest.New()
		inspector := processtest.New()
		registry := strategy.DefaultRegistry()
		sweeper := reconcile.NewSweeper(s, q, inspector, nil, reconcile.Options{Host: "api-host"})
		coordinator := cancellation.NewCoordinator(s, q, inspector, nil, sweeper, nil, cancellation.Options{Host: "api-host", SampleWindow: time.Millisecond})
		srv := service.NewJobService(s, q, registry, strategy.NewPresetCatalog(registry), coordinator, sweeper, nil, 1000)

		handler, err = apiserver.New(cfg, srv, nil).Router()
		Expect(err).To(BeNil())
	})

	AfterAll(func() {
		s.Close()
	})

	It("answers health checks with a request id", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("X-Request-Id")).NotTo(BeEmpty())
	})

	It("strips the gateway prefix", func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/paramopt/api/v1/presets", nil))
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Header().Get("Content-Type")).To(ContainSubstring("application/json"))
	})

	It("serves until the context is cancelled", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(BeNil())

		srv := apiserver.New(cfg, nil, listener)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Run(ctx) }()

		Eventually(func() int {
			resp, err := http.Get("http://" + listener.Addr().String() + "/health")
			if err != nil {
				return 0
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode
		}).Should(Equal(http.StatusOK))

		cancel()
		Eventually(done).Should(Receive(BeNil()))
	})
})
