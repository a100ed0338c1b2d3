package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tradelab/paramopt/pkg/metrics"
	"go.uber.org/zap"
)

var ErrNotStarted = errors.New("worker pool not started")

// Spec is the command line of one worker process. Workers inherit the
// supervisor's environment; Env only lists additions.
type Spec struct {
	Command string
	Args    []string
	Env     []string
}

type slot struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Supervisor keeps a fixed number of worker processes alive. Each worker runs
// in its own process group so that terminating it also stops its children.
type Supervisor struct {
	spec         Spec
	size         int
	grace        time.Duration
	restartDelay time.Duration
	log          *zap.SugaredLogger

	mu      sync.Mutex
	slots   []*slot
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(spec Spec, size int, grace time.Duration) *Supervisor {
	if size < 1 {
		size = 1
	}
	return &Supervisor{
		spec:         spec,
		size:         size,
		grace:        grace,
		restartDelay: time.Second,
		log:          zap.S().Named("supervisor"),
		slots:        make([]*slot, size),
	}
}

func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("worker pool already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.size; i++ {
		if err := s.spawnLocked(i); err != nil {
			s.cancel()
			s.terminateAllLocked()
			return err
		}
	}
	s.started = true
	for i := 0; i < s.size; i++ {
		s.wg.Add(1)
		go s.watch(i)
	}
	metrics.UpdateWorkerProcessesMetric(s.size)
	s.log.Infow("worker pool started", "size", s.size, "command", s.spec.Command)
	return nil
}

// PIDs lists the pids of the live workers.
func (s *Supervisor) PIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pids []int
	for _, sl := range s.slots {
		if sl == nil || sl.cmd.Process == nil {
			continue
		}
		select {
		case <-sl.done:
		default:
			pids = append(pids, sl.cmd.Process.Pid)
		}
	}
	return pids
}

// Restart terminates every worker and waits until a new one runs in every slot.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	old := append([]*slot(nil), s.slots...)
	s.mu.Unlock()

	s.log.Infow("restarting worker pool", "size", len(old))
	for _, sl := range old {
		if sl != nil {
			terminate(sl.cmd, s.grace)
		}
	}
	metrics.IncreaseWorkerRestartMetric()

	// the watchers respawn exited workers; wait for them
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.replaced(old) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for the worker pool to restart: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.terminateAllLocked()
	s.mu.Unlock()

	s.wg.Wait()
	metrics.UpdateWorkerProcessesMetric(0)
	s.log.Info("worker pool stopped")
}

func (s *Supervisor) replaced(old []*slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sl := range s.slots {
		if sl == nil || sl == old[i] {
			return false
		}
	}
	return true
}

func (s *Supervisor) watch(i int) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		sl := s.slots[i]
		s.mu.Unlock()

		<-sl.done
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warnw("worker exited, respawning", "slot", i, "pid", sl.cmd.Process.Pid, "state", sl.cmd.ProcessState.String())

		for {
			s.mu.Lock()
			err := s.spawnLocked(i)
			s.mu.Unlock()
			if err == nil {
				break
			}
			s.log.Errorw("failed to respawn worker", "slot", i, "error", err)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.restartDelay):
			}
		}
	}
}

func (s *Supervisor) spawnLocked(i int) error {
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	cmd := exec.Command(s.spec.Command, s.spec.Args...)
	cmd.Env = append(os.Environ(), s.spec.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	configureProcess(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}

	sl := &slot{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(sl.done)
	}()
	s.slots[i] = sl
	s.log.Infow("worker started", "slot", i, "pid", cmd.Process.Pid)
	return nil
}

func (s *Supervisor) terminateAllLocked() {
	for _, sl := range s.slots {
		if sl != nil {
			terminate(sl.cmd, s.grace)
		}
	}
}
