package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	apiserver "github.com/tradelab/paramopt/internal/api_server"
	"github.com/tradelab/paramopt/internal/cancellation"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/service"
	"github.com/tradelab/paramopt/internal/strategy"
	"github.com/tradelab/paramopt/internal/supervisor"
	"github.com/tradelab/paramopt/internal/util"
	"go.uber.org/zap"
)

const scheduledSweepTimeout = time.Minute

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the api server and its worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, teardown, err := setup("api")
		if err != nil {
			return err
		}
		defer teardown()

		zap.S().Info("Starting API service")
		defer zap.S().Info("API service stopped")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		s, err := openStore(ctx, cfg)
		if err != nil {
			zap.S().Fatalw("opening store", "error", err)
		}
		defer s.Close()

		producer, err := newEventProducer(cfg)
		if err != nil {
			zap.S().Fatalw("creating event producer", "error", err)
		}
		defer producer.Close()

		pool, err := openPool(ctx, cfg)
		if err != nil {
			zap.S().Fatalw("opening queue pool", "error", err)
		}
		defer pool.Close()

		jobQueue, err := queue.NewClient(pool, cfg, nil)
		if err != nil {
			zap.S().Fatalw("creating queue client", "error", err)
		}

		registry := strategy.DefaultRegistry()
		presets := strategy.NewPresetCatalog(registry)
		if cfg.Service.PresetsFile != "" {
			if err := presets.LoadFile(cfg.Service.PresetsFile); err != nil {
				zap.S().Fatalw("loading presets", "error", err)
			}
		}

		inspector, err := newInspector(cfg)
		if err != nil {
			zap.S().Fatalw("creating process inspector", "error", err)
		}

		var workerPool cancellation.Pool
		if cfg.Worker.Processes > 0 {
			exe, err := workerExecutable(cfg)
			if err != nil {
				zap.S().Fatalw("locating worker executable", "error", err)
			}
			sup := supervisor.New(supervisor.Spec{
				Command: exe,
				Args:    []string{workerCommand},
			}, cfg.Worker.Processes, cfg.Cancel.KillGrace)
			if err := sup.Start(ctx); err != nil {
				zap.S().Fatalw("starting worker pool", "error", err)
			}
			defer sup.Stop()
			workerPool = sup
		}

		host, _, _ := util.WorkerIdentity()
		sweeper := reconcile.NewSweeper(s, jobQueue, inspector, producer, reconcile.Options{
			Host:       host,
			StaleAfter: cfg.Sweeper.StaleAfter,
		})
		coordinator := cancellation.NewCoordinator(s, jobQueue, inspector, workerPool, sweeper, producer, cancellation.OptionsFromConfig(cfg))

		if cfg.Sweeper.Enabled {
			scheduler := reconcile.NewScheduler(sweeper, scheduledSweepTimeout)
			if err := scheduler.Start(cfg.Sweeper.Schedule); err != nil {
				zap.S().Fatalw("scheduling sweeps", "error", err)
			}
			defer scheduler.Stop()
		}

		jobService := service.NewJobService(s, jobQueue, registry, presets, coordinator, sweeper, producer, cfg.Worker.MaxGridSize).
			WithRetry(util.RetryPolicy{Attempts: cfg.Worker.RetryAttempts, Initial: cfg.Worker.RetryInitialInterval})

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			server := apiserver.New(cfg, jobService, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalw("Error running server", "error", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalw("creating listener", "error", err)
			}

			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener, s.Job())
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Fatalw("failed to run metrics server", "error", err)
			}
		}()

		<-ctx.Done()
		return nil
	},
}
