package optimizer

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// RandomizedParallel evaluates a seeded set of random samples on a bounded pool.
// All samples are drawn before any evaluation starts, so the pool size never
// changes which points are evaluated.
type RandomizedParallel struct {
	poolSize int
	observe  func(string, time.Duration, bool)
}

func NewRandomizedParallel(poolSize int, observe func(string, time.Duration, bool)) *RandomizedParallel {
	if poolSize < 1 {
		poolSize = 1
	}
	return &RandomizedParallel{poolSize: poolSize, observe: observe}
}

func (r *RandomizedParallel) Name() string { return NameRandomized }

func (r *RandomizedParallel) PoolSize() int { return r.poolSize }

func (r *RandomizedParallel) Optimize(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Space.Validate(); err != nil {
		return nil, err
	}
	if cfg.Iterations <= 0 {
		return nil, ErrInvalidBudget
	}

	seed := resolveSeed(cfg.Seed)
	rng := rand.New(rand.NewSource(seed))
	samples := make([]Params, cfg.Iterations)
	for i := range samples {
		samples[i] = cfg.Space.Sample(rng)
	}

	results := make(chan Trial, r.poolSize)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.poolSize)

	go func() {
		defer close(results)
		for i, params := range samples {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				results <- evaluate(gctx, cfg.Evaluator, i, params)
				return nil
			})
		}
		_ = g.Wait()
	}()

	// Single aggregator: the only reader of results and the only caller of the callback.
	var (
		best      incumbent
		trials    = make([]Trial, len(samples))
		completed int
	)
	for trial := range results {
		observe(r.observe, NameRandomized, trial)
		trials[trial.Index] = trial
		completed++
		best.offer(trial)
		notify(cfg, best.report(completed, len(samples), trial))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return best.result(trials, seed)
}
