// Package sanity runs robustness studies over a backtest's daily
// returns: a moving-block bootstrap Monte-Carlo, a K-fold shard
// analysis, and date-aligned betas against a fixed benchmark set.
package sanity

import (
	"context"
	"math"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/prices"
	"github.com/aristath/forge/pkg/formulas"
)

// minReturnDays is the shortest return series the analyses accept.
const minReturnDays = 50

// minAlignedDays is the fewest shared days a benchmark beta needs.
const minAlignedDays = 50

// DefaultBenchmarks are the tickers betas are computed against.
var DefaultBenchmarks = []string{"SPY", "QQQ", "VTI", "DIA", "DBC", "DBO", "GLD", "BND", "TLT", "GBTC"}

// Config holds the study parameters. Zero values take the defaults the
// report format documents.
type Config struct {
	Iterations   int   // bootstrap samples, default 200
	BlockSize    int   // bootstrap block length in days, default 7
	HorizonYears int   // synthetic horizon, default 5
	Shards       int   // K-fold shard count, default 10
	Seed         int64 // RNG seed, default 42
}

func (c *Config) applyDefaults() {
	if c.Iterations <= 0 {
		c.Iterations = 200
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 7
	}
	if c.HorizonYears <= 0 {
		c.HorizonYears = 5
	}
	if c.Shards <= 0 {
		c.Shards = 10
	}
	if c.Seed == 0 {
		c.Seed = 42
	}
}

// Analyzer produces sanity reports.
type Analyzer struct {
	prices       *prices.Store
	riskFreeRate float64
	benchmarks   []string
	log          zerolog.Logger
}

// NewAnalyzer creates an analyzer. A nil benchmark list selects the
// default set.
func NewAnalyzer(store *prices.Store, riskFreeRate float64, benchmarks []string, log zerolog.Logger) *Analyzer {
	if benchmarks == nil {
		benchmarks = DefaultBenchmarks
	}
	return &Analyzer{
		prices:       store,
		riskFreeRate: riskFreeRate,
		benchmarks:   benchmarks,
		log:          log.With().Str("component", "sanity").Logger(),
	}
}

// Report runs all three studies over a backtest result. The seed fully
// determines the Monte-Carlo draws, so identical inputs reproduce the
// report bit for bit.
func (a *Analyzer) Report(ctx context.Context, result *domain.BacktestResult, cfg Config) (*domain.SanityReport, error) {
	cfg.applyDefaults()

	returns := result.DailyReturns
	if len(returns) < minReturnDays {
		return nil, domain.NewError(domain.KindDataInsufficient,
			"%d return days, need %d for a sanity report", len(returns), minReturnDays)
	}

	report := &domain.SanityReport{
		Iterations:   cfg.Iterations,
		BlockSize:    cfg.BlockSize,
		HorizonYears: cfg.HorizonYears,
		Seed:         cfg.Seed,
	}

	report.MonteCarlo = a.monteCarlo(returns, cfg)
	report.CAGRQuantiles = quantilesOf(report.MonteCarlo, func(s domain.SampleMetrics) float64 { return s.CAGR })
	report.DDQuantiles = quantilesOf(report.MonteCarlo, func(s domain.SampleMetrics) float64 { return s.MaxDrawdown })
	report.SharpeQuant = quantilesOf(report.MonteCarlo, func(s domain.SampleMetrics) float64 { return s.Sharpe })

	report.KFoldShards = a.kFold(returns, cfg.Shards)

	betas, err := a.benchmarkBetas(ctx, result.DatedReturns())
	if err != nil {
		return nil, err
	}
	report.StrategyBetas = betas

	return report, nil
}

// monteCarlo draws bootstrap samples that preserve week-scale return
// structure: contiguous blocks of BlockSize days, sampled uniformly
// with replacement, concatenated and truncated to the target horizon.
func (a *Analyzer) monteCarlo(returns []float64, cfg Config) []domain.SampleMetrics {
	rng := rand.New(rand.NewSource(cfg.Seed))

	n := int(formulas.TradingDaysPerYear) * cfg.HorizonYears
	blockSize := cfg.BlockSize
	if blockSize > len(returns) {
		blockSize = len(returns)
		a.log.Debug().
			Int("blockSize", blockSize).
			Int("requested", cfg.BlockSize).
			Msg("block size clamped to series length, blocks resample the whole series")
	}
	numBlocks := (n + blockSize - 1) / blockSize
	maxStart := len(returns) - blockSize

	samples := make([]domain.SampleMetrics, 0, cfg.Iterations)
	for it := 0; it < cfg.Iterations; it++ {
		sample := make([]float64, 0, n+blockSize)
		for b := 0; b < numBlocks; b++ {
			start := rng.Intn(maxStart + 1)
			sample = append(sample, returns[start:start+blockSize]...)
		}
		sample = sample[:n]
		samples = append(samples, sampleMetrics(sample, a.riskFreeRate))
	}
	return samples
}

// kFold splits the return series into contiguous equal shards and
// scores each one; dispersion across shards surfaces regime
// instability. The remainder days go to the last shard.
func (a *Analyzer) kFold(returns []float64, shards int) []domain.SampleMetrics {
	if shards > len(returns) {
		shards = len(returns)
	}
	size := len(returns) / shards

	out := make([]domain.SampleMetrics, 0, shards)
	for s := 0; s < shards; s++ {
		start := s * size
		end := start + size
		if s == shards-1 {
			end = len(returns)
		}
		out = append(out, sampleMetrics(returns[start:end], a.riskFreeRate))
	}
	return out
}

// benchmarkBetas computes the strategy's beta against each benchmark
// by date intersection. Benchmarks with missing data or fewer than 50
// aligned days are skipped rather than failing the report.
func (a *Analyzer) benchmarkBetas(ctx context.Context, strategyReturns []domain.DatedReturn) (map[string]float64, error) {
	byDate := make(map[string]float64, len(strategyReturns))
	for _, r := range strategyReturns {
		byDate[r.Date] = r.Value
	}

	out := make(map[string]float64)
	for _, ticker := range a.benchmarks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		series, err := a.prices.GetSeries(ctx, ticker)
		if err != nil {
			a.log.Debug().Str("ticker", ticker).Err(err).Msg("benchmark unavailable for beta")
			continue
		}

		var x, y []float64
		for i := 1; i < len(series.Bars); i++ {
			prev, cur := series.Bars[i-1], series.Bars[i]
			if prev.AdjClose <= 0 {
				continue
			}
			if v, ok := byDate[cur.Date]; ok {
				x = append(x, v)
				y = append(y, cur.AdjClose/prev.AdjClose-1)
			}
		}
		if len(x) < minAlignedDays {
			a.log.Debug().Str("ticker", ticker).Int("aligned", len(x)).Msg("too few aligned days for beta")
			continue
		}
		out[ticker] = formulas.Beta(x, y)
	}
	return out, nil
}

// sampleMetrics scores one return series: CAGR, max drawdown over the
// compounded equity path, volatility, and Sharpe.
func sampleMetrics(returns []float64, riskFree float64) domain.SampleMetrics {
	equity := make([]float64, len(returns)+1)
	equity[0] = 1.0
	for i, r := range returns {
		equity[i+1] = equity[i] * (1 + r)
		if equity[i+1] < 0 {
			equity[i+1] = 0
		}
	}

	m := domain.SampleMetrics{
		CAGR:        formulas.CalculateAnnualReturn(returns),
		MaxDrawdown: formulas.MaxDrawdown(equity),
		Volatility:  formulas.AnnualizedVolatility(returns),
	}
	if m.Volatility > 0 {
		m.Sharpe = (m.CAGR - riskFree) / m.Volatility
	}
	if math.IsNaN(m.CAGR) || math.IsInf(m.CAGR, 0) {
		m.CAGR = -1
	}
	return m
}

func quantilesOf(samples []domain.SampleMetrics, pick func(domain.SampleMetrics) float64) domain.Quantiles {
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = pick(s)
	}
	return domain.Quantiles{
		P5:  formulas.Quantile(values, 0.05),
		P25: formulas.Quantile(values, 0.25),
		P50: formulas.Quantile(values, 0.50),
		P75: formulas.Quantile(values, 0.75),
		P95: formulas.Quantile(values, 0.95),
	}
}
