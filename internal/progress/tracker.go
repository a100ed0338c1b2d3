package progress

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradelab/paramopt/internal/optimizer"
	"github.com/tradelab/paramopt/internal/store/model"
	"github.com/tradelab/paramopt/internal/util"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// maxRunning is the highest overall percentage reported before the job completes.
const maxRunning = 99.9

var ErrTrackerClosed = errors.New("progress tracker closed")

// Writer persists snapshots. store.Progress satisfies it.
type Writer interface {
	Upsert(ctx context.Context, snapshot model.ProgressSnapshot) error
}

type Options struct {
	// WritesPerSecond throttles persistence. Zero or less disables throttling.
	WritesPerSecond float64
	Retry           util.RetryPolicy
}

// Update describes the progress within the current phase. Nil fields keep
// their previous value.
type Update struct {
	PhasePercentage float64
	Iteration       *int
	TotalIterations *int
	BestScore       *float64
	CurrentScore    *float64
	BestParams      optimizer.Params
}

// Tracker turns phase updates into progress snapshots and persists them from a
// single goroutine. Callers never wait on the writer; when updates arrive faster
// than they can be written only the latest one is kept.
type Tracker struct {
	jobID   uuid.UUID
	writer  Writer
	limiter *rate.Limiter
	retry   util.RetryPolicy
	log     *zap.SugaredLogger

	mu       sync.Mutex
	snapshot model.ProgressSnapshot
	phase    Phase
	pending  *model.ProgressSnapshot
	terminal bool
	closed   bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func NewTracker(jobID uuid.UUID, writer Writer, opts Options) *Tracker {
	limit := rate.Inf
	if opts.WritesPerSecond > 0 {
		limit = rate.Limit(opts.WritesPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		jobID:   jobID,
		writer:  writer,
		limiter: rate.NewLimiter(limit, 1),
		retry:   opts.Retry,
		log:     zap.S().Named("progress").With("job_id", jobID.String()),
		snapshot: model.ProgressSnapshot{
			JobID:      jobID,
			TotalSteps: TotalSteps,
		},
		phase:  -1,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go t.run()
	return t
}

// Start enters phase. Phases can only move forward; starting an earlier phase
// than the current one is ignored.
func (t *Tracker) Start(phase Phase, details string) {
	if !phase.valid() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal || phase < t.phase {
		return
	}
	if phase != t.phase {
		t.phase = phase
		t.snapshot.StepName = phase.String()
		t.snapshot.StepIndex = phase.Index()
		t.snapshot.StepPercentage = 0
		if phase != PhaseOptimization {
			t.snapshot.Iteration = nil
			t.snapshot.TotalIterations = nil
			t.snapshot.CurrentScore = nil
		}
	}
	t.snapshot.OverallPercentage = t.nextOverall(Overall(phase, t.snapshot.StepPercentage))
	t.log.Debugw("phase started", "phase", phase.String(), "details", details, "overall", t.snapshot.OverallPercentage)
	t.enqueueLocked()
}

func (t *Tracker) Update(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal || !t.phase.valid() {
		return
	}

	t.snapshot.StepPercentage = math.Max(t.snapshot.StepPercentage, clampPercentage(u.PhasePercentage))
	t.snapshot.OverallPercentage = t.nextOverall(Overall(t.phase, t.snapshot.StepPercentage))
	if u.Iteration != nil {
		t.snapshot.Iteration = intPtr(*u.Iteration)
	}
	if u.TotalIterations != nil {
		t.snapshot.TotalIterations = intPtr(*u.TotalIterations)
	}
	if u.BestScore != nil {
		t.snapshot.BestScoreSoFar = floatPtr(*u.BestScore)
	}
	if u.CurrentScore != nil {
		t.snapshot.CurrentScore = floatPtr(*u.CurrentScore)
	}
	if u.BestParams != nil {
		t.snapshot.BestParams = model.MakeJSONField(u.BestParams.Clone())
	}
	t.enqueueLocked()
}

// Complete marks the job done at 100 percent. Best values are kept.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return
	}
	t.terminal = true
	t.snapshot.IsComplete = true
	t.snapshot.OverallPercentage = 100
	t.snapshot.StepPercentage = 100
	t.snapshot.ErrorMessage = nil
	t.enqueueLocked()
}

// Fail marks the job done with an error. The overall percentage reached so far is kept.
func (t *Tracker) Fail(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.terminal {
		return
	}
	t.terminal = true
	t.snapshot.IsComplete = true
	t.snapshot.ErrorMessage = &message
	t.enqueueLocked()
}

// Snapshot returns the latest computed snapshot, persisted or not.
func (t *Tracker) Snapshot() model.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// Close stops the writer and synchronously persists the last pending snapshot.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackerClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	<-t.done

	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if pending == nil {
		return nil
	}
	return t.write(ctx, *pending)
}

func (t *Tracker) nextOverall(candidate float64) float64 {
	return math.Max(t.snapshot.OverallPercentage, math.Min(candidate, maxRunning))
}

func (t *Tracker) enqueueLocked() {
	if t.closed {
		return
	}
	t.snapshot.UpdatedAt = time.Now().UTC()
	snap := t.copyLocked()
	t.pending = &snap
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) copyLocked() model.ProgressSnapshot {
	snap := t.snapshot
	if snap.BestParams != nil {
		snap.BestParams = model.MakeJSONField(snap.BestParams.Data.Clone())
	}
	return snap
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}

		if err := t.limiter.Wait(t.ctx); err != nil {
			return
		}

		t.mu.Lock()
		pending := t.pending
		t.pending = nil
		t.mu.Unlock()
		if pending == nil {
			continue
		}

		if err := t.write(t.ctx, *pending); err != nil {
			if t.ctx.Err() != nil {
				// hand the snapshot back to Close unless a newer one is waiting
				t.mu.Lock()
				if t.pending == nil {
					t.pending = pending
				}
				t.mu.Unlock()
				return
			}
			t.log.Warnw("dropping progress snapshot", "error", err, "overall", pending.OverallPercentage)
		}
	}
}

func (t *Tracker) write(ctx context.Context, snap model.ProgressSnapshot) error {
	return util.Retry(ctx, t.retry, "progress upsert", func(ctx context.Context) error {
		return t.writer.Upsert(ctx, snap)
	})
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }
