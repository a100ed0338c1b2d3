package strategy

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Metric keys reported by every strategy.
const (
	MetricTotalReturn = "total_return"
	MetricSharpe      = "sharpe"
	MetricMaxDrawdown = "max_drawdown"
	MetricTrades      = "trades"
	MetricExposure    = "exposure"
)

// Backtest replays positions over closes. positions[i] is the position held
// from bar i to bar i+1, in [-1, 1]. feeBps is charged on every position change.
func Backtest(closes, positions []float64, timeframe string, feeBps float64) map[string]float64 {
	n := len(closes)
	returns := make([]float64, 0, n)
	equity, peak, maxDrawdown := 1.0, 1.0, 0.0
	trades, held := 0, 0
	prev := 0.0

	for i := 0; i+1 < n; i++ {
		pos := positions[i]
		r := pos * (closes[i+1]/closes[i] - 1)
		if pos != prev {
			trades++
			r -= math.Abs(pos-prev) * feeBps / 10000
		}
		if pos != 0 {
			held++
		}
		prev = pos

		returns = append(returns, r)
		equity *= 1 + r
		peak = math.Max(peak, equity)
		maxDrawdown = math.Max(maxDrawdown, (peak-equity)/peak)
	}

	sharpe := 0.0
	if len(returns) > 1 {
		mean, std := stat.MeanStdDev(returns, nil)
		if std > 0 {
			sharpe = mean / std * math.Sqrt(periodsPerYear(timeframe))
		}
	}
	exposure := 0.0
	if len(returns) > 0 {
		exposure = float64(held) / float64(len(returns))
	}

	return map[string]float64{
		MetricTotalReturn: equity - 1,
		MetricSharpe:      sharpe,
		MetricMaxDrawdown: maxDrawdown,
		MetricTrades:      float64(trades),
		MetricExposure:    exposure,
	}
}

func periodsPerYear(timeframe string) float64 {
	switch timeframe {
	case "1m":
		return 365 * 24 * 60
	case "5m":
		return 365 * 24 * 12
	case "15m":
		return 365 * 24 * 4
	case "1h":
		return 365 * 24
	case "4h":
		return 365 * 6
	case "1d":
		return 365
	case "1w":
		return 52
	default:
		return 252
	}
}

// sma returns the simple moving average of values over period. The first
// period-1 entries are NaN.
func sma(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i+1 < period {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(period)
	}
	return out
}
