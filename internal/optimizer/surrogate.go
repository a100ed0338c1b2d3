package optimizer

import (
	"context"
	"math"
	"math/rand"
	"time"
)

const (
	defaultInitialSamples = 8
	surrogateCandidates   = 512
	explorationXi         = 0.01
	perturbationScale     = 0.05
)

// SequentialSurrogate seeds a Gaussian process with random samples and then
// proposes each next point by maximizing expected improvement. Every proposal
// depends on all previous results, so evaluations run one at a time.
type SequentialSurrogate struct {
	initialSamples int
	candidates     int
	observe        func(string, time.Duration, bool)
}

func NewSequentialSurrogate(initialSamples int, observe func(string, time.Duration, bool)) *SequentialSurrogate {
	if initialSamples < 1 {
		initialSamples = defaultInitialSamples
	}
	return &SequentialSurrogate{
		initialSamples: initialSamples,
		candidates:     surrogateCandidates,
		observe:        observe,
	}
}

func (s *SequentialSurrogate) Name() string { return NameSurrogate }

func (s *SequentialSurrogate) Optimize(ctx context.Context, cfg Config) (*Result, error) {
	if err := cfg.Space.Validate(); err != nil {
		return nil, err
	}
	if cfg.Iterations <= 0 {
		return nil, ErrInvalidBudget
	}

	seed := resolveSeed(cfg.Seed)
	rng := rand.New(rand.NewSource(seed))
	initial := min(s.initialSamples, cfg.Iterations)

	var (
		best   incumbent
		trials = make([]Trial, 0, cfg.Iterations)
		seen   = make(map[string]struct{}, cfg.Iterations)
		xs     [][]float64
		ys     []float64
	)
	for i := 0; i < cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var params Params
		if i < initial || len(ys) < 2 {
			params = cfg.Space.Sample(rng)
		} else {
			params = s.propose(rng, cfg.Space, xs, ys, seen)
		}
		seen[cfg.Space.Key(params)] = struct{}{}

		trial := evaluate(ctx, cfg.Evaluator, i, params)
		observe(s.observe, NameSurrogate, trial)
		trials = append(trials, trial)
		if !trial.Failed {
			xs = append(xs, cfg.Space.Encode(params))
			ys = append(ys, trial.Score)
		}
		best.offer(trial)
		notify(cfg, best.report(i+1, cfg.Iterations, trial))
	}

	return best.result(trials, seed)
}

func (s *SequentialSurrogate) propose(rng *rand.Rand, space ParameterSpace, xs [][]float64, ys []float64, seen map[string]struct{}) Params {
	dims := len(space.Parameters)
	gp := newGaussianProcess(dims)
	if err := gp.fit(xs, ys); err != nil {
		return space.Sample(rng)
	}

	incumbentX := xs[0]
	bestY := ys[0]
	for i, y := range ys {
		if y > bestY {
			bestY, incumbentX = y, xs[i]
		}
	}
	bestStd := (bestY - gp.mean) / gp.std

	var (
		chosen  Params
		chosenE = math.Inf(-1)
	)
	consider := func(x []float64) {
		params := space.Decode(x)
		if _, dup := seen[space.Key(params)]; dup {
			return
		}
		// score the snapped point so the choice matches what gets evaluated
		mu, sigma := gp.predict(space.Encode(params))
		if ei := expectedImprovement(mu, sigma, bestStd, explorationXi); ei > chosenE {
			chosen, chosenE = params, ei
		}
	}

	for c := 0; c < s.candidates; c++ {
		x := make([]float64, dims)
		for d := range x {
			x[d] = rng.Float64()
		}
		consider(x)
	}
	for c := 0; c < s.candidates/4; c++ {
		x := make([]float64, dims)
		for d := range x {
			x[d] = math.Min(math.Max(incumbentX[d]+rng.NormFloat64()*perturbationScale, 0), 1)
		}
		consider(x)
	}

	if chosen == nil {
		return space.Sample(rng)
	}
	return chosen
}
