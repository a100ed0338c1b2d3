package optimizer

import (
	"context"
	"time"
)

// Exhaustive evaluates every combination of the discretized space, sequentially.
// The last declared parameter varies fastest.
type Exhaustive struct {
	maxGrid int
	observe func(string, time.Duration, bool)
}

func NewExhaustive(maxGrid int, observe func(string, time.Duration, bool)) *Exhaustive {
	return &Exhaustive{maxGrid: maxGrid, observe: observe}
}

func (e *Exhaustive) Name() string { return NameExhaustive }

func (e *Exhaustive) Optimize(ctx context.Context, cfg Config) (*Result, error) {
	axes, total, err := cfg.Space.Grid(e.maxGrid)
	if err != nil {
		return nil, err
	}

	var (
		best   incumbent
		trials = make([]Trial, 0, total)
		cursor = make([]int, len(axes))
	)
	for n := 0; n < total; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		params := make(Params, len(axes))
		for i, p := range cfg.Space.Parameters {
			params[p.Name] = axes[i][cursor[i]]
		}

		trial := evaluate(ctx, cfg.Evaluator, n, params)
		observe(e.observe, NameExhaustive, trial)
		trials = append(trials, trial)
		best.offer(trial)
		notify(cfg, best.report(n+1, total, trial))

		for i := len(cursor) - 1; i >= 0; i-- {
			cursor[i]++
			if cursor[i] < len(axes[i]) {
				break
			}
			cursor[i] = 0
		}
	}

	return best.result(trials, 0)
}
