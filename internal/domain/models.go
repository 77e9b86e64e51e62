// Package domain holds the shared types of the backtesting engine.
// It is pure: no infrastructure dependencies.
package domain

import "time"

// Bar is a single daily price record for one ticker.
// AdjClose is used for return calculations; the unadjusted OHLC fields
// exist for display and for open-based evaluation modes.
type Bar struct {
	Date     string  `json:"date" msgpack:"date"` // YYYY-MM-DD
	Open     float64 `json:"open" msgpack:"open"`
	High     float64 `json:"high" msgpack:"high"`
	Low      float64 `json:"low" msgpack:"low"`
	Close    float64 `json:"close" msgpack:"close"`
	AdjClose float64 `json:"adjClose" msgpack:"adjClose"`
}

// Series is an ordered daily price history for a single ticker.
// Dates are strictly increasing.
type Series struct {
	Ticker string `json:"ticker" msgpack:"ticker"`
	Bars   []Bar  `json:"bars" msgpack:"bars"`
}

// Allocation maps ticker -> weight. Weights are >= 0 and sum to <= 1;
// unallocated weight is cash. An empty map means fully in cash.
type Allocation map[string]float64

// EquityPoint is one point on an equity or drawdown curve.
type EquityPoint struct {
	Date   string  `json:"date" msgpack:"date"`
	Equity float64 `json:"equity" msgpack:"equity"`
}

// AllocationRow records the allocation held on a given day.
type AllocationRow struct {
	Date    string     `json:"date" msgpack:"date"`
	Entries Allocation `json:"entries" msgpack:"entries"`
}

// MonthlyReturn is the compounded return of one calendar month.
type MonthlyReturn struct {
	Year  int     `json:"year" msgpack:"year"`
	Month int     `json:"month" msgpack:"month"`
	Value float64 `json:"value" msgpack:"value"`
}

// Metrics is the aggregate risk/return summary of a backtest.
// All annualizations use 252 trading days; rates are decimals.
type Metrics struct {
	StartDate   string  `json:"startDate" msgpack:"startDate"`
	EndDate     string  `json:"endDate" msgpack:"endDate"`
	Days        int     `json:"days" msgpack:"days"`
	Years       float64 `json:"years" msgpack:"years"`
	TotalReturn float64 `json:"totalReturn" msgpack:"totalReturn"`
	CAGR        float64 `json:"cagr" msgpack:"cagr"`
	Volatility  float64 `json:"volatility" msgpack:"volatility"`
	MaxDrawdown float64 `json:"maxDrawdown" msgpack:"maxDrawdown"`
	Calmar      float64 `json:"calmar" msgpack:"calmar"`
	Sharpe      float64 `json:"sharpe" msgpack:"sharpe"`
	Sortino     float64 `json:"sortino" msgpack:"sortino"`
	Treynor     float64 `json:"treynor" msgpack:"treynor"`
	Beta        float64 `json:"beta" msgpack:"beta"`
	WinRate     float64 `json:"winRate" msgpack:"winRate"`
	BestDay     float64 `json:"bestDay" msgpack:"bestDay"`
	WorstDay    float64 `json:"worstDay" msgpack:"worstDay"`
	AvgTurnover float64 `json:"avgTurnover" msgpack:"avgTurnover"`
	AvgHoldings float64 `json:"avgHoldings" msgpack:"avgHoldings"`
}

// CompressionStats summarizes what the tree compressor did to a strategy.
type CompressionStats struct {
	OriginalNodes    int `json:"originalNodes" msgpack:"originalNodes"`
	CompressedNodes  int `json:"compressedNodes" msgpack:"compressedNodes"`
	NodesRemoved     int `json:"nodesRemoved" msgpack:"nodesRemoved"`
	GateChainsMerged int `json:"gateChainsMerged" msgpack:"gateChainsMerged"`
}

// DatedReturn is a daily return carrying its date, used for date-aligned
// beta calculations.
type DatedReturn struct {
	Date  string  `json:"date" msgpack:"date"`
	Value float64 `json:"value" msgpack:"value"`
}

// BacktestResult is the full output of one evaluation run.
type BacktestResult struct {
	EquityCurve    []EquityPoint    `json:"equityCurve" msgpack:"equityCurve"`
	BenchmarkCurve []EquityPoint    `json:"benchmarkCurve" msgpack:"benchmarkCurve"`
	DrawdownCurve  []EquityPoint    `json:"drawdownCurve" msgpack:"drawdownCurve"`
	DailyReturns   []float64        `json:"dailyReturns" msgpack:"dailyReturns"`
	Dates          []string         `json:"dates" msgpack:"dates"`
	Allocations    []AllocationRow  `json:"allocations" msgpack:"allocations"`
	Monthly        []MonthlyReturn  `json:"monthly" msgpack:"monthly"`
	Metrics        Metrics          `json:"metrics" msgpack:"metrics"`
	Compression    CompressionStats `json:"compression" msgpack:"compression"`
}

// DatedReturns pairs the result's daily returns with their dates.
func (r *BacktestResult) DatedReturns() []DatedReturn {
	n := len(r.DailyReturns)
	out := make([]DatedReturn, 0, n)
	for i, v := range r.DailyReturns {
		// Dates has one extra leading entry (the equity-curve start day).
		if i+1 < len(r.Dates) {
			out = append(out, DatedReturn{Date: r.Dates[i+1], Value: v})
		}
	}
	return out
}

// SampleMetrics is the metric set computed per bootstrap sample or shard.
type SampleMetrics struct {
	CAGR        float64 `json:"cagr" msgpack:"cagr"`
	MaxDrawdown float64 `json:"maxDrawdown" msgpack:"maxDrawdown"`
	Sharpe      float64 `json:"sharpe" msgpack:"sharpe"`
	Volatility  float64 `json:"volatility" msgpack:"volatility"`
}

// Quantiles holds the standard five-point summary of a distribution.
type Quantiles struct {
	P5  float64 `json:"p5" msgpack:"p5"`
	P25 float64 `json:"p25" msgpack:"p25"`
	P50 float64 `json:"p50" msgpack:"p50"`
	P75 float64 `json:"p75" msgpack:"p75"`
	P95 float64 `json:"p95" msgpack:"p95"`
}

// SanityReport is the robustness study over a strategy's daily returns.
type SanityReport struct {
	MonteCarlo     []SampleMetrics      `json:"monteCarlo" msgpack:"monteCarlo"`
	CAGRQuantiles  Quantiles            `json:"cagrQuantiles" msgpack:"cagrQuantiles"`
	DDQuantiles    Quantiles            `json:"ddQuantiles" msgpack:"ddQuantiles"`
	SharpeQuant    Quantiles            `json:"sharpeQuantiles" msgpack:"sharpeQuantiles"`
	KFoldShards    []SampleMetrics      `json:"kFoldShards" msgpack:"kFoldShards"`
	StrategyBetas  map[string]float64   `json:"strategyBetas" msgpack:"strategyBetas"`
	Iterations     int                  `json:"iterations" msgpack:"iterations"`
	BlockSize      int                  `json:"blockSize" msgpack:"blockSize"`
	HorizonYears   int                  `json:"horizonYears" msgpack:"horizonYears"`
	Seed           int64                `json:"seed" msgpack:"seed"`
}

// BenchmarkMetrics is the cached per-ticker metric set used to compare a
// strategy against a buy-and-hold benchmark.
type BenchmarkMetrics struct {
	Ticker      string  `json:"ticker" msgpack:"ticker"`
	CAGR        float64 `json:"cagr" msgpack:"cagr"`
	Volatility  float64 `json:"volatility" msgpack:"volatility"`
	MaxDrawdown float64 `json:"maxDrawdown" msgpack:"maxDrawdown"`
	Sharpe      float64 `json:"sharpe" msgpack:"sharpe"`
}

// ParseDate parses the canonical YYYY-MM-DD date format.
func ParseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}
