package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tradelab/paramopt/internal/optimizer"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrInvalidParams   = errors.New("invalid strategy parameters")
)

// Strategy turns a bar series into an objective for the optimizers.
type Strategy interface {
	Name() string
	DefaultSpace() optimizer.ParameterSpace
	Evaluator(series *Series) optimizer.Evaluator
}

type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: map[string]Strategy{}}
	for _, s := range strategies {
		r.strategies[s.Name()] = s
	}
	return r
}

// DefaultRegistry holds the built-in strategies.
func DefaultRegistry() *Registry {
	return NewRegistry(NewSMACrossover(), NewBreakout())
}

func (r *Registry) Lookup(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// signalEvaluator scores a positions function with Backtest. The score is the
// annualized sharpe ratio.
type signalEvaluator struct {
	series    *Series
	closes    []float64
	feeBps    float64
	positions func(series *Series, closes []float64, params optimizer.Params) ([]float64, error)
}

func (e *signalEvaluator) Evaluate(ctx context.Context, params optimizer.Params) (optimizer.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return optimizer.Evaluation{}, err
	}
	positions, err := e.positions(e.series, e.closes, params)
	if err != nil {
		return optimizer.Evaluation{}, err
	}
	metrics := Backtest(e.closes, positions, e.series.Timeframe, e.feeBps)
	return optimizer.Evaluation{Score: metrics[MetricSharpe], Metrics: metrics}, nil
}

func intParam(params optimizer.Params, name string) (int, error) {
	v, ok := params.Int(name)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidParams, name)
	}
	if v < 1 {
		return 0, fmt.Errorf("%w: %s must be positive, got %d", ErrInvalidParams, name, v)
	}
	return v, nil
}

func floatParam(params optimizer.Params, name string, fallback float64) float64 {
	if v, ok := params.Float(name); ok {
		return v
	}
	return fallback
}
