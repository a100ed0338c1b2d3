package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs sweeps on a cron schedule. A sweep still running when the
// next one is due makes the latter skip.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron
	timeout time.Duration
	mu      sync.Mutex
	running bool
}

func NewScheduler(sweeper *Sweeper, timeout time.Duration) *Scheduler {
	return &Scheduler{
		sweeper: sweeper,
		cron:    cron.New(),
		timeout: timeout,
	}
}

func (s *Scheduler) Start(schedule string) error {
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return err
	}
	s.cron.Start()
	zap.S().Named("sweeper").Infow("scheduled sweeps", "schedule", schedule)
	return nil
}

// Stop waits for a sweep in progress.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) run() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		zap.S().Named("sweeper").Debug("previous sweep still running, skipping")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.sweeper.Sweep(ctx); err != nil {
		zap.S().Named("sweeper").Errorw("scheduled sweep failed", "error", err)
	}
}
