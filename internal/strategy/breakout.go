package strategy

import (
	"math"

	"github.com/tradelab/paramopt/internal/optimizer"
)

// Breakout enters long when the close breaks the highest high of the entry
// window and exits on a break of the lowest low of the exit window or when
// the close falls stop below the entry price.
type Breakout struct{}

func NewBreakout() *Breakout {
	return &Breakout{}
}

func (Breakout) Name() string {
	return "breakout"
}

func (Breakout) DefaultSpace() optimizer.ParameterSpace {
	return optimizer.ParameterSpace{Parameters: []optimizer.Parameter{
		{Name: "entry", Kind: optimizer.KindInteger, Min: 10, Max: 100, Step: 10},
		{Name: "exit", Kind: optimizer.KindInteger, Min: 5, Max: 50, Step: 5},
		{Name: "stop", Kind: optimizer.KindContinuous, Min: 0.01, Max: 0.1, Step: 0.01},
	}}
}

func (b Breakout) Evaluator(series *Series) optimizer.Evaluator {
	return &signalEvaluator{series: series, closes: series.Closes(), feeBps: 5, positions: breakoutPositions}
}

func breakoutPositions(series *Series, closes []float64, params optimizer.Params) ([]float64, error) {
	entry, err := intParam(params, "entry")
	if err != nil {
		return nil, err
	}
	exit, err := intParam(params, "exit")
	if err != nil {
		return nil, err
	}
	stop := floatParam(params, "stop", 0)

	positions := make([]float64, len(closes))
	inTrade, entryPrice := false, 0.0
	for i := range closes {
		if inTrade {
			low := math.Inf(1)
			for j := max(0, i-exit); j < i; j++ {
				low = math.Min(low, series.Bars[j].Low)
			}
			stopped := stop > 0 && closes[i] < entryPrice*(1-stop)
			if closes[i] < low || stopped {
				inTrade = false
			}
		} else if i >= entry {
			high := math.Inf(-1)
			for j := i - entry; j < i; j++ {
				high = math.Max(high, series.Bars[j].High)
			}
			if closes[i] > high {
				inTrade, entryPrice = true, closes[i]
			}
		}
		if inTrade {
			positions[i] = 1
		}
	}
	return positions, nil
}
