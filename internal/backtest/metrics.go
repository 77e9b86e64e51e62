package backtest

import (
	"context"
	"math"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/pkg/formulas"
)

// finishResult derives everything downstream of the equity curve: the
// benchmark and drawdown series, monthly returns, and the metric suite.
func (e *Engine) finishResult(ctx context.Context, rc *runContext, result *domain.BacktestResult, start int, turnovers, holdings []float64) {
	benchReturns := e.benchmarkSeries(ctx, rc, result, start)

	result.DrawdownCurve = drawdownCurve(result.EquityCurve)
	result.Monthly = monthlyReturns(result.EquityCurve)
	result.Metrics = ComputeMetrics(result, benchReturns, e.riskFreeRate, turnovers, holdings)
}

// benchmarkSeries builds the benchmark equity curve over the evaluation
// range and returns the benchmark's dated daily returns for beta. A
// missing benchmark ticker degrades to an empty curve, never an error.
func (e *Engine) benchmarkSeries(ctx context.Context, rc *runContext, result *domain.BacktestResult, start int) []domain.DatedReturn {
	var closes []float64
	var dates []string

	if al, ok := rc.aligned[e.benchmarkTicker]; ok {
		closes = al.adjClose[start:]
		dates = rc.dates[start:]
	} else {
		series, err := e.prices.GetSeries(ctx, e.benchmarkTicker)
		if err != nil {
			e.log.Warn().Err(err).Str("ticker", e.benchmarkTicker).Msg("benchmark series unavailable")
			return nil
		}
		startDate := rc.dates[start]
		endDate := rc.dates[len(rc.dates)-1]
		for _, bar := range series.Bars {
			if bar.Date < startDate || bar.Date > endDate {
				continue
			}
			closes = append(closes, bar.AdjClose)
			dates = append(dates, bar.Date)
		}
	}

	if len(closes) < 2 || closes[0] <= 0 {
		return nil
	}

	for i, date := range dates {
		result.BenchmarkCurve = append(result.BenchmarkCurve, domain.EquityPoint{
			Date:   date,
			Equity: closes[i] / closes[0],
		})
	}

	out := make([]domain.DatedReturn, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		out = append(out, domain.DatedReturn{Date: dates[i], Value: closes[i]/closes[i-1] - 1})
	}
	return out
}

// ComputeMetrics derives the aggregate metric suite from a result's
// equity curve and daily returns. All annualizations use 252 days.
func ComputeMetrics(result *domain.BacktestResult, benchReturns []domain.DatedReturn, riskFree float64, turnovers, holdings []float64) domain.Metrics {
	curve := result.EquityCurve
	returns := result.DailyReturns

	m := domain.Metrics{}
	if len(curve) == 0 {
		return m
	}

	m.StartDate = curve[0].Date
	m.EndDate = curve[len(curve)-1].Date
	m.Days = len(returns)
	m.Years = float64(len(returns)) / formulas.TradingDaysPerYear

	startEq := curve[0].Equity
	endEq := curve[len(curve)-1].Equity
	if startEq > 0 {
		m.TotalReturn = endEq/startEq - 1
	}
	m.CAGR = formulas.CAGRFromEquity(startEq, endEq, m.Years)

	m.Volatility = formulas.AnnualizedVolatility(returns)
	m.MaxDrawdown = equityMaxDrawdown(curve)

	if m.Volatility > 0 {
		m.Sharpe = (m.CAGR - riskFree) / m.Volatility
	}
	if downside := formulas.DownsideDeviation(returns, 0); downside > 0 {
		m.Sortino = (formulas.Mean(returns)*formulas.TradingDaysPerYear - riskFree) / downside
	}
	if m.MaxDrawdown < 0 {
		m.Calmar = m.CAGR / math.Abs(m.MaxDrawdown)
	}

	m.Beta = AlignedBeta(result.DatedReturns(), benchReturns)
	if m.Beta != 0 {
		m.Treynor = (m.CAGR - riskFree) / m.Beta
	}

	if len(returns) > 0 {
		wins := 0
		best := math.Inf(-1)
		worst := math.Inf(1)
		for _, r := range returns {
			if r > 0 {
				wins++
			}
			if r > best {
				best = r
			}
			if r < worst {
				worst = r
			}
		}
		m.WinRate = float64(wins) / float64(len(returns))
		m.BestDay = best
		m.WorstDay = worst
	}

	m.AvgTurnover = formulas.Mean(turnovers)
	m.AvgHoldings = formulas.Mean(holdings)

	return m
}

// BuyAndHoldMetrics computes the benchmark metric set for holding a
// single ticker over its whole history. Used by the per-ticker
// benchmark cache entries.
func (e *Engine) BuyAndHoldMetrics(ctx context.Context, ticker string) (*domain.BenchmarkMetrics, error) {
	series, err := e.prices.GetSeries(ctx, ticker)
	if err != nil {
		return nil, err
	}
	if len(series.Bars) < 2 {
		return nil, domain.NewError(domain.KindDataInsufficient, "not enough history for benchmark metrics").WithTicker(ticker)
	}

	closes := make([]float64, len(series.Bars))
	for i, bar := range series.Bars {
		closes[i] = bar.AdjClose
	}
	returns := formulas.CalculateReturns(closes)

	m := &domain.BenchmarkMetrics{
		Ticker:      ticker,
		CAGR:        formulas.CalculateAnnualReturn(returns),
		Volatility:  formulas.AnnualizedVolatility(returns),
		MaxDrawdown: formulas.MaxDrawdown(closes),
	}
	if m.Volatility > 0 {
		m.Sharpe = (m.CAGR - e.riskFreeRate) / m.Volatility
	}
	return m, nil
}

// AlignedBeta computes beta over the date intersection of two dated
// return series. Alignment is by date, never positional; series with
// different calendars only contribute their shared days.
func AlignedBeta(strategyReturns, benchReturns []domain.DatedReturn) float64 {
	if len(strategyReturns) == 0 || len(benchReturns) == 0 {
		return 0
	}

	benchByDate := make(map[string]float64, len(benchReturns))
	for _, r := range benchReturns {
		benchByDate[r.Date] = r.Value
	}

	var x, y []float64
	for _, r := range strategyReturns {
		if b, ok := benchByDate[r.Date]; ok {
			x = append(x, r.Value)
			y = append(y, b)
		}
	}
	if len(x) < 2 {
		return 0
	}
	return formulas.Beta(x, y)
}

func equityMaxDrawdown(curve []domain.EquityPoint) float64 {
	values := make([]float64, len(curve))
	for i, p := range curve {
		values[i] = p.Equity
	}
	return formulas.MaxDrawdown(values)
}

// drawdownCurve emits the running drawdown (<= 0) at every point.
func drawdownCurve(curve []domain.EquityPoint) []domain.EquityPoint {
	out := make([]domain.EquityPoint, 0, len(curve))
	peak := 0.0
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		dd := 0.0
		if peak > 0 {
			dd = p.Equity/peak - 1
		}
		out = append(out, domain.EquityPoint{Date: p.Date, Equity: dd})
	}
	return out
}

// monthlyReturns compounds the equity curve into per-calendar-month
// returns. Partial first and last months are included as-is.
func monthlyReturns(curve []domain.EquityPoint) []domain.MonthlyReturn {
	if len(curve) < 2 {
		return nil
	}

	var out []domain.MonthlyReturn
	monthStart := curve[0].Equity
	prevDate, err := domain.ParseDate(curve[0].Date)
	if err != nil {
		return nil
	}

	for i := 1; i < len(curve); i++ {
		date, err := domain.ParseDate(curve[i].Date)
		if err != nil {
			continue
		}
		if date.Month() != prevDate.Month() || date.Year() != prevDate.Year() {
			out = append(out, domain.MonthlyReturn{
				Year:  prevDate.Year(),
				Month: int(prevDate.Month()),
				Value: curve[i-1].Equity/monthStart - 1,
			})
			monthStart = curve[i-1].Equity
		}
		prevDate = date
	}

	out = append(out, domain.MonthlyReturn{
		Year:  prevDate.Year(),
		Month: int(prevDate.Month()),
		Value: curve[len(curve)-1].Equity/monthStart - 1,
	})
	return out
}
