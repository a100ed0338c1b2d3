package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tradelab/paramopt/internal/config"
	"github.com/tradelab/paramopt/internal/events"
	"github.com/tradelab/paramopt/internal/process"
	"github.com/tradelab/paramopt/internal/queue"
	"github.com/tradelab/paramopt/internal/store"
	"github.com/tradelab/paramopt/pkg/log"
	"go.uber.org/zap"
)

var errQueueNeedsPostgres = errors.New("the job queue needs a postgres database, set DB_TYPE=pgsql")

// setup reads the configuration and installs the global logger. The returned
// func restores the previous logger and flushes.
func setup(role string) (*config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("reading configuration: %w", err)
	}

	level := cfg.Service.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := log.InitLog(log.ParseLevel(level), role)
	undo := zap.ReplaceGlobals(logger)

	return cfg, func() {
		_ = logger.Sync()
		undo()
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	zap.S().Info("Initializing data store")
	db, err := store.InitDB(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing data store: %w", err)
	}

	s := store.NewStore(db)
	// sqlite is only used for development and is created from the models
	if cfg.Database.Type != "pgsql" {
		if err := s.InitialMigration(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("running initial migration: %w", err)
		}
	}
	return s, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if cfg.Database.Type != "pgsql" {
		return nil, errQueueNeedsPostgres
	}
	return queue.NewPool(ctx, cfg)
}

// newEventProducer writes to kafka when brokers are configured and to the log otherwise.
func newEventProducer(cfg *config.Config) (*events.EventProducer, error) {
	var opts []events.ProducerOptions
	if cfg.Service.Kafka.Topic != "" {
		opts = append(opts, events.WithOutputTopic(cfg.Service.Kafka.Topic))
	}

	if len(cfg.Service.Kafka.Brokers) == 0 {
		return events.NewEventProducer(&events.StdoutWriter{}, opts...), nil
	}

	writer, err := events.NewKafkaWriter(cfg.Service.Kafka.Brokers, cfg.Service.Kafka.ClientID, cfg.Service.Kafka.Version)
	if err != nil {
		return nil, err
	}
	return events.NewEventProducer(writer, opts...), nil
}

func workerExecutable(cfg *config.Config) (string, error) {
	if cfg.Worker.Executable != "" {
		return cfg.Worker.Executable, nil
	}
	return os.Executable()
}

func newInspector(cfg *config.Config) (process.Inspector, error) {
	exe, err := workerExecutable(cfg)
	if err != nil {
		return nil, err
	}
	return process.NewSystemInspector(exe, workerCommand), nil
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
