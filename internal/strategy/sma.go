package strategy

import (
	"fmt"
	"math"

	"github.com/tradelab/paramopt/internal/optimizer"
)

// SMACrossover is long while the fast average is above the slow one, and short
// below it when allow_short is set.
type SMACrossover struct{}

func NewSMACrossover() *SMACrossover {
	return &SMACrossover{}
}

func (SMACrossover) Name() string {
	return "sma_crossover"
}

func (SMACrossover) DefaultSpace() optimizer.ParameterSpace {
	return optimizer.ParameterSpace{Parameters: []optimizer.Parameter{
		{Name: "fast", Kind: optimizer.KindInteger, Min: 5, Max: 50, Step: 5},
		{Name: "slow", Kind: optimizer.KindInteger, Min: 20, Max: 200, Step: 10},
		{Name: "allow_short", Kind: optimizer.KindDiscrete, Values: []any{false, true}},
	}}
}

func (s SMACrossover) Evaluator(series *Series) optimizer.Evaluator {
	return &signalEvaluator{series: series, closes: series.Closes(), feeBps: 5, positions: smaPositions}
}

func smaPositions(_ *Series, closes []float64, params optimizer.Params) ([]float64, error) {
	fast, err := intParam(params, "fast")
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, "slow")
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("%w: fast %d must be below slow %d", ErrInvalidParams, fast, slow)
	}
	if slow >= len(closes) {
		return nil, fmt.Errorf("%w: slow %d needs more than %d bars", ErrInvalidParams, slow, len(closes))
	}
	short := params["allow_short"] == true

	fastMA, slowMA := sma(closes, fast), sma(closes, slow)
	positions := make([]float64, len(closes))
	for i := range closes {
		if math.IsNaN(slowMA[i]) {
			continue
		}
		switch {
		case fastMA[i] > slowMA[i]:
			positions[i] = 1
		case fastMA[i] < slowMA[i] && short:
			positions[i] = -1
		}
	}
	return positions, nil
}
