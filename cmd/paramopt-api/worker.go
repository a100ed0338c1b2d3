package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tradelab/paramopt/internal/orchestrator"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/strategy"
	"go.uber.org/zap"
)

const workerStopTimeout = 30 * time.Second

var workerCmd = &cobra.Command{
	Use:   workerCommand,
	Short: "Run one optimization worker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, teardown, err := setup("worker")
		if err != nil {
			return err
		}
		defer teardown()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
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

		loader, err := strategy.NewLoader(cfg)
		if err != nil {
			zap.S().Fatalw("creating dataset loader", "error", err)
		}

		orch := orchestrator.New(s, loader, strategy.DefaultRegistry(), producer, orchestrator.OptionsFromConfig(cfg))
		owner := orch.Owner()
		zap.S().Infow("worker started", "worker_id", owner.ID, "dataset_source", loader.Type())

		pool, err := openPool(ctx, cfg)
		if err != nil {
			zap.S().Fatalw("opening queue pool", "error", err)
		}
		defer pool.Close()

		client, err := queue.NewClient(pool, cfg, orch)
		if err != nil {
			zap.S().Fatalw("creating queue client", "error", err)
		}
		if err := client.Start(ctx); err != nil {
			zap.S().Fatalw("starting queue client", "error", err)
		}

		<-ctx.Done()

		stopCtx, stop := context.WithTimeout(context.Background(), workerStopTimeout)
		defer stop()
		if err := client.Stop(stopCtx); err != nil {
			zap.S().Warnw("failed to stop queue client", "error", err)
		}
		zap.S().Infow("worker stopped", "worker_id", owner.ID)
		return nil
	},
}
