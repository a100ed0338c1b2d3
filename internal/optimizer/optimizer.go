package optimizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	NameExhaustive = "exhaustive"
	NameRandomized = "randomized"
	NameSurrogate  = "surrogate"
)

var (
	ErrInvalidSpace         = errors.New("invalid parameter space")
	ErrGridTooLarge         = errors.New("parameter grid too large")
	ErrInvalidBudget        = errors.New("iteration budget must be positive")
	ErrAllEvaluationsFailed = errors.New("all evaluations failed")
	ErrUnknownOptimizer     = errors.New("unknown optimizer")
)

// Evaluation is the outcome of scoring one parameter vector. Higher scores are better.
type Evaluation struct {
	Score   float64
	Metrics map[string]float64
}

// Evaluator scores parameter vectors. Implementations must be safe for
// concurrent use when driven by RandomizedParallel.
type Evaluator interface {
	Evaluate(ctx context.Context, params Params) (Evaluation, error)
}

type EvaluatorFunc func(ctx context.Context, params Params) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, params Params) (Evaluation, error) {
	return f(ctx, params)
}

// Trial is one evaluated parameter vector. Index is the position in the
// proposal sequence, not the completion order.
type Trial struct {
	Index    int                `json:"index"`
	Params   Params             `json:"params"`
	Score    float64            `json:"score"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Failed   bool               `json:"failed"`
	Error    string             `json:"error,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Report is passed to the evaluation callback after every completed trial.
type Report struct {
	Completed  int
	Total      int
	HasBest    bool
	BestScore  float64
	BestParams Params
	Trial      Trial
}

type Config struct {
	Space     ParameterSpace
	Evaluator Evaluator
	// Iterations is ignored by Exhaustive.
	Iterations int
	// Seed fixes the random sequence. A time based seed is used when nil and
	// reported back in Result.Seed.
	Seed         *int64
	OnEvaluation func(Report)
}

type Result struct {
	BestParams  Params
	BestScore   float64
	BestMetrics map[string]float64
	Trials      []Trial
	Failed      int
	Seed        int64
}

// Successful returns the successful trials ordered by score, best first.
// Equal scores keep proposal order.
func (r *Result) Successful() []Trial {
	out := make([]Trial, 0, len(r.Trials)-r.Failed)
	for _, t := range r.Trials {
		if !t.Failed {
			out = append(out, t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && better(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type Optimizer interface {
	Name() string
	Optimize(ctx context.Context, cfg Config) (*Result, error)
}

type Options struct {
	PoolSize       int
	MaxGridSize    int
	InitialSamples int
	// Observe is called with the wall time of every evaluation.
	Observe func(optimizer string, d time.Duration, failed bool)
}

func New(name string, opts Options) (Optimizer, error) {
	switch name {
	case NameExhaustive:
		return NewExhaustive(opts.MaxGridSize, opts.Observe), nil
	case NameRandomized:
		return NewRandomizedParallel(opts.PoolSize, opts.Observe), nil
	case NameSurrogate:
		return NewSequentialSurrogate(opts.InitialSamples, opts.Observe), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownOptimizer, name)
	}
}

// PoolSize keeps at least one processing unit for the host and never goes below one slot.
func PoolSize(numCPU, reserved int) int {
	if reserved < 1 {
		reserved = 1
	}
	if n := numCPU - reserved; n > 1 {
		return n
	}
	return 1
}

func evaluate(ctx context.Context, ev Evaluator, index int, params Params) (trial Trial) {
	trial = Trial{Index: index, Params: params}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			trial.Failed = true
			trial.Error = fmt.Sprintf("evaluator panic: %v", r)
		}
		trial.Duration = time.Since(start)
	}()

	if err := ctx.Err(); err != nil {
		trial.Failed = true
		trial.Error = err.Error()
		return trial
	}

	res, err := ev.Evaluate(ctx, params)
	switch {
	case err != nil:
		trial.Failed = true
		trial.Error = err.Error()
	case math.IsNaN(res.Score) || math.IsInf(res.Score, 0):
		trial.Failed = true
		trial.Error = fmt.Sprintf("non-finite score %v", res.Score)
	default:
		trial.Score = res.Score
		trial.Metrics = res.Metrics
	}
	return trial
}

func better(a, b Trial) bool {
	return a.Score > b.Score || (a.Score == b.Score && a.Index < b.Index)
}

// incumbent tracks the running best. Ties go to the lowest proposal index so the
// outcome does not depend on completion order.
type incumbent struct {
	trial  Trial
	has    bool
	failed int
}

func (b *incumbent) offer(t Trial) bool {
	if t.Failed {
		b.failed++
		return false
	}
	if !b.has || better(t, b.trial) {
		b.trial = t
		b.has = true
		return true
	}
	return false
}

func (b *incumbent) report(completed, total int, t Trial) Report {
	r := Report{Completed: completed, Total: total, Trial: t, HasBest: b.has}
	if b.has {
		r.BestScore = b.trial.Score
		r.BestParams = b.trial.Params
	}
	return r
}

func (b *incumbent) result(trials []Trial, seed int64) (*Result, error) {
	if !b.has {
		last := ""
		if len(trials) > 0 {
			last = trials[len(trials)-1].Error
		}
		return nil, fmt.Errorf("%w: %d of %d trials failed, last error: %s", ErrAllEvaluationsFailed, b.failed, len(trials), last)
	}
	return &Result{
		BestParams:  b.trial.Params,
		BestScore:   b.trial.Score,
		BestMetrics: b.trial.Metrics,
		Trials:      trials,
		Failed:      b.failed,
		Seed:        seed,
	}, nil
}

func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return time.Now().UnixNano()
}

func notify(cfg Config, r Report) {
	if cfg.OnEvaluation != nil {
		cfg.OnEvaluation(r)
	}
}

func observe(fn func(string, time.Duration, bool), name string, t Trial) {
	if fn != nil {
		fn(name, t.Duration, t.Failed)
	}
}
