package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/reconcile"
	"github.com/tradelab/paramopt/internal/util"
	"go.uber.org/zap"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation sweep and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, teardown, err := setup("sweep")
		if err != nil {
			return err
		}
		defer teardown()

		ctx := context.Background()
		s, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()

		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		jobQueue, err := queue.NewClient(pool, cfg, nil)
		if err != nil {
			return err
		}

		inspector, err := newInspector(cfg)
		if err != nil {
			return err
		}

		producer, err := newEventProducer(cfg)
		if err != nil {
			return err
		}
		defer producer.Close()

		host, _, _ := util.WorkerIdentity()
		sweeper := reconcile.NewSweeper(s, jobQueue, inspector, producer, reconcile.Options{
			Host:       host,
			StaleAfter: cfg.Sweeper.StaleAfter,
		})

		report, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		if err := report.Err(); err != nil {
			zap.S().Warnw("sweep finished with errors", "error", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}
