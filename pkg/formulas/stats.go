// Package formulas provides pure statistical helpers shared by the
// backtest, sanity and optimizer packages. All functions tolerate empty
// input by returning zero values.
package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// TradingDaysPerYear is the annualization base.
const TradingDaysPerYear = 252.0

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation (N-1 denominator)
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Variance calculates the sample variance of a slice of float64 values
func Variance(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.Variance(data, nil)
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Covariance calculates the sample covariance between two datasets
func Covariance(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return 0
	}
	return stat.Covariance(x, y, nil)
}

// CalculateReturns converts prices to simple daily returns.
// Returns[i] = (Price[i+1] - Price[i]) / Price[i]
func CalculateReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}

	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] != 0 {
			returns[i-1] = (prices[i] - prices[i-1]) / prices[i-1]
		}
	}

	return returns
}

// AnnualizedVolatility calculates annualized volatility from daily returns.
// Formula: sample stdev of daily returns * sqrt(252)
func AnnualizedVolatility(dailyReturns []float64) float64 {
	if len(dailyReturns) < 2 {
		return 0
	}
	return StdDev(dailyReturns) * math.Sqrt(TradingDaysPerYear)
}

// CalculateAnnualReturn computes the compound annual growth rate from a
// series of daily returns: ((1+r1)*...*(1+rN))^(252/N) - 1.
// For fewer than 3 periods the simple cumulative return is returned to
// avoid extreme annualization.
func CalculateAnnualReturn(returns []float64) float64 {
	if len(returns) == 0 {
		return 0.0
	}

	cumulative := 1.0
	for _, r := range returns {
		cumulative *= (1 + r)
	}

	numPeriods := float64(len(returns))
	if numPeriods < 3 {
		return cumulative - 1
	}

	years := numPeriods / TradingDaysPerYear
	if cumulative <= 0 {
		// Total loss, annualization is undefined; report -100%.
		return -1
	}
	return math.Pow(cumulative, 1.0/years) - 1
}

// CAGRFromEquity computes the compound annual growth rate between the
// first and last equity values over the given number of calendar years.
func CAGRFromEquity(startEquity, endEquity, years float64) float64 {
	if startEquity <= 0 || years <= 0 {
		return 0
	}
	ratio := endEquity / startEquity
	if ratio <= 0 {
		return -1
	}
	return math.Pow(ratio, 1.0/years) - 1
}

// MaxDrawdown returns the worst peak-to-trough decline of an equity
// curve as a negative decimal (e.g. -0.25 for a 25% drawdown).
func MaxDrawdown(equity []float64) float64 {
	if len(equity) == 0 {
		return 0
	}

	peak := equity[0]
	maxDD := 0.0
	for _, v := range equity {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := v/peak - 1
			if dd < maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}

// DownsideDeviation computes the annualized deviation of returns below
// the target (per-day) rate. Used by Sortino.
func DownsideDeviation(returns []float64, targetDaily float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sumSq := 0.0
	for _, r := range returns {
		if d := r - targetDaily; d < 0 {
			sumSq += d * d
		}
	}
	return math.Sqrt(sumSq/float64(len(returns))) * math.Sqrt(TradingDaysPerYear)
}

// Quantile returns the p-quantile (0..1) of data using linear
// interpolation between order statistics, so the median of an odd-sized
// sample is its middle element. Data is copied and sorted.
func Quantile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}

	h := p * float64(len(sorted)-1)
	lo := int(math.Floor(h))
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// Beta computes cov(asset, benchmark) / var(benchmark) over aligned
// return series. Returns 0 when the benchmark has no variance.
func Beta(asset, benchmark []float64) float64 {
	if len(asset) != len(benchmark) || len(asset) < 2 {
		return 0
	}

	benchVar := Variance(benchmark)
	if benchVar == 0 {
		return 0
	}
	return Covariance(asset, benchmark) / benchVar
}
