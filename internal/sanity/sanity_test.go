package sanity

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/prices"
)

func newTestAnalyzer(t *testing.T, benchmarks []string) (*Analyzer, *prices.Store) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "prices.db"),
		Profile: database.ProfileStandard,
		Name:    "prices",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	store := prices.NewStore(db, 5*time.Minute, "SPY", zerolog.Nop())
	return NewAnalyzer(store, 0.04, benchmarks, zerolog.Nop()), store
}

// syntheticResult builds a result with n weekday returns from fn.
func syntheticResult(n int, fn func(i int) float64) *domain.BacktestResult {
	result := &domain.BacktestResult{}
	day := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	equity := 1.0
	result.Dates = append(result.Dates, day.Format("2006-01-02"))
	for i := 0; i < n; {
		day = day.AddDate(0, 0, 1)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		r := fn(i)
		equity *= 1 + r
		result.DailyReturns = append(result.DailyReturns, r)
		result.Dates = append(result.Dates, day.Format("2006-01-02"))
		i++
	}
	return result
}

func waveReturns(i int) float64 {
	return 0.0004 + 0.01*math.Sin(float64(i)/5)
}

func TestReportRequiresEnoughHistory(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t, []string{})

	_, err := analyzer.Report(context.Background(), syntheticResult(30, waveReturns), Config{})
	require.Error(t, err)
}

func TestMonteCarloIsSeedDeterministic(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t, []string{})
	result := syntheticResult(500, waveReturns)

	a, err := analyzer.Report(context.Background(), result, Config{})
	require.NoError(t, err)
	b, err := analyzer.Report(context.Background(), result, Config{})
	require.NoError(t, err)

	require.Len(t, a.MonteCarlo, 200)
	assert.Equal(t, a.MonteCarlo, b.MonteCarlo)
	assert.Equal(t, a.CAGRQuantiles, b.CAGRQuantiles)

	// A different seed draws different samples.
	c, err := analyzer.Report(context.Background(), result, Config{Seed: 7})
	require.NoError(t, err)
	assert.NotEqual(t, a.CAGRQuantiles.P50, c.CAGRQuantiles.P50)
}

func TestMonteCarloSampleShape(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t, []string{})

	report, err := analyzer.Report(context.Background(), syntheticResult(500, waveReturns), Config{Iterations: 50})
	require.NoError(t, err)

	require.Len(t, report.MonteCarlo, 50)
	for _, s := range report.MonteCarlo {
		assert.False(t, math.IsNaN(s.CAGR))
		assert.LessOrEqual(t, s.MaxDrawdown, 0.0)
		assert.GreaterOrEqual(t, s.Volatility, 0.0)
	}

	// Quantiles are ordered.
	q := report.CAGRQuantiles
	assert.LessOrEqual(t, q.P5, q.P25)
	assert.LessOrEqual(t, q.P25, q.P50)
	assert.LessOrEqual(t, q.P50, q.P75)
	assert.LessOrEqual(t, q.P75, q.P95)
}

func TestKFoldShardsCoverSeries(t *testing.T) {
	analyzer, _ := newTestAnalyzer(t, []string{})

	report, err := analyzer.Report(context.Background(), syntheticResult(505, waveReturns), Config{Shards: 10})
	require.NoError(t, err)

	// 505 days over 10 shards: nine of 50 and one of 55.
	require.Len(t, report.KFoldShards, 10)
}

func TestBenchmarkBetas(t *testing.T) {
	analyzer, store := newTestAnalyzer(t, []string{"SPY", "MISSING"})

	// Benchmark bars on the same weekday calendar as the result.
	result := syntheticResult(300, waveReturns)
	bars := make([]domain.Bar, 0, len(result.Dates))
	price := 100.0
	bars = append(bars, domain.Bar{Date: result.Dates[0], Open: price, High: price, Low: price, Close: price, AdjClose: price})
	for i, r := range result.DailyReturns {
		price *= 1 + r
		bars = append(bars, domain.Bar{Date: result.Dates[i+1], Open: price, High: price, Low: price, Close: price, AdjClose: price})
	}
	require.NoError(t, store.UpsertBars("SPY", bars))

	report, err := analyzer.Report(context.Background(), result, Config{})
	require.NoError(t, err)

	// The benchmark replays the strategy's own returns, so beta is 1;
	// the missing ticker is skipped, not an error.
	require.Contains(t, report.StrategyBetas, "SPY")
	assert.InDelta(t, 1.0, report.StrategyBetas["SPY"], 1e-9)
	assert.NotContains(t, report.StrategyBetas, "MISSING")
}
