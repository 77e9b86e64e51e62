package optimizer

import (
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forge/pkg/formulas"
)

func makeSeries(n int, fn func(i int) float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = fn(i)
	}
	return out
}

func checkSimplex(t *testing.T, weights map[string]float64, cap float64) {
	t.Helper()
	sum := 0.0
	for name, w := range weights {
		assert.GreaterOrEqual(t, w, 0.0, name)
		assert.LessOrEqual(t, w, cap+1e-9, name)
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestMinVarianceOnAntiCorrelatedPair(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	// Perfectly anti-correlated series with equal variance: the
	// minimum-variance blend is 50/50 with variance ~0.
	a := makeSeries(300, func(i int) float64 { return 0.01 * math.Sin(float64(i)/3) })
	b := makeSeries(300, func(i int) float64 { return -0.01 * math.Sin(float64(i)/3) })

	result, err := o.Optimize(Request{
		Strategies: []Strategy{{Name: "A", Returns: a}, {Name: "B", Returns: b}},
		Objective:  ObjectiveVolatility,
		MaxWeight:  1,
	})
	require.NoError(t, err)

	checkSimplex(t, result.Weights, 1)
	assert.InDelta(t, 0.5, result.Weights["A"], 0.01)
	assert.InDelta(t, 0.5, result.Weights["B"], 0.01)
	assert.InDelta(t, 0.0, result.Metrics.Volatility, 0.01)
	assert.InDelta(t, -1.0, result.Correlation[0][1], 1e-6)
}

func TestMaxSharpePrefersBetterStrategy(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	noise := func(i int) float64 { return 0.008 * math.Sin(float64(i)/4) }
	good := makeSeries(300, func(i int) float64 { return 0.002 + noise(i) })
	bad := makeSeries(300, func(i int) float64 { return -0.001 + noise(i+7) })

	result, err := o.Optimize(Request{
		Strategies: []Strategy{{Name: "good", Returns: good}, {Name: "bad", Returns: bad}},
		Objective:  ObjectiveSharpe,
		MaxWeight:  1,
	})
	require.NoError(t, err)

	checkSimplex(t, result.Weights, 1)
	assert.Greater(t, result.Weights["good"], result.Weights["bad"])
	assert.Greater(t, result.Weights["good"], 0.8)
}

func TestMinBetaObjective(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	flat := func(i int) float64 { return 0.005 * math.Sin(float64(i)/6) }
	result, err := o.Optimize(Request{
		Strategies: []Strategy{
			{Name: "high", Returns: makeSeries(200, flat), Beta: 1.5},
			{Name: "anti", Returns: makeSeries(200, func(i int) float64 { return flat(i + 3) }), Beta: -0.5},
		},
		Objective: ObjectiveBeta,
		MaxWeight: 1,
	})
	require.NoError(t, err)

	checkSimplex(t, result.Weights, 1)
	// Zero blended beta needs high at 0.25 and anti at 0.75.
	assert.InDelta(t, 0.25, result.Weights["high"], 0.02)
	assert.InDelta(t, 0.0, result.Metrics.Beta, 0.03)
}

func TestMinCorrelationObjective(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	base := makeSeries(300, func(i int) float64 { return 0.01 * math.Sin(float64(i)/3) })
	twin := makeSeries(300, func(i int) float64 { return 0.012 * math.Sin(float64(i)/3) })
	other := makeSeries(300, func(i int) float64 { return 0.01 * math.Cos(float64(i)/11) })

	result, err := o.Optimize(Request{
		Strategies: []Strategy{
			{Name: "base", Returns: base},
			{Name: "twin", Returns: twin},
			{Name: "other", Returns: other},
		},
		Objective: ObjectiveCorrelation,
		MaxWeight: 1,
	})
	require.NoError(t, err)

	checkSimplex(t, result.Weights, 1)
	// The uncorrelated series should carry meaningful weight.
	assert.Greater(t, result.Weights["other"], 0.2)
}

func TestMaxWeightCapBinds(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	// All three share the same noise, so no blend lowers variance and the
	// best Sharpe concentrates in the highest drift until the cap stops it.
	noise := func(i int) float64 { return 0.008 * math.Sin(float64(i)/4) }
	good := makeSeries(300, func(i int) float64 { return 0.002 + noise(i) })
	bad := makeSeries(300, func(i int) float64 { return -0.0005 + noise(i) })
	meh := makeSeries(300, func(i int) float64 { return 0.0002 + noise(i) })

	result, err := o.Optimize(Request{
		Strategies: []Strategy{
			{Name: "good", Returns: good},
			{Name: "bad", Returns: bad},
			{Name: "meh", Returns: meh},
		},
		Objective: ObjectiveSharpe,
		MaxWeight: 0.6,
	})
	require.NoError(t, err)

	checkSimplex(t, result.Weights, 0.6)
	assert.InDelta(t, 0.6, result.Weights["good"], 0.01, "winner pinned at the cap")
	assert.Greater(t, result.Weights["meh"], result.Weights["bad"])
}

func TestAlignmentTruncatesToShortestTail(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	long := makeSeries(400, func(i int) float64 { return 0.01 * math.Sin(float64(i)/3) })
	short := makeSeries(100, func(i int) float64 { return -0.01 * math.Sin(float64(i+300)/3) })

	result, err := o.Optimize(Request{
		Strategies: []Strategy{{Name: "long", Returns: long}, {Name: "short", Returns: short}},
		Objective:  ObjectiveVolatility,
		MaxWeight:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, result.AlignedDays)
}

func TestInsufficientStrategies(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	_, err := o.Optimize(Request{
		Strategies: []Strategy{{Name: "only", Returns: makeSeries(300, func(i int) float64 { return 0.001 })}},
		Objective:  ObjectiveVolatility,
	})
	require.Error(t, err)

	_, err = o.Optimize(Request{
		Strategies: []Strategy{
			{Name: "a", Returns: makeSeries(10, func(i int) float64 { return 0.001 })},
			{Name: "b", Returns: makeSeries(10, func(i int) float64 { return 0.002 })},
		},
		Objective: ObjectiveVolatility,
	})
	require.Error(t, err)
}

func TestUnknownObjective(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	flat := makeSeries(100, func(i int) float64 { return 0.001 * math.Sin(float64(i)) })
	_, err := o.Optimize(Request{
		Strategies: []Strategy{{Name: "a", Returns: flat}, {Name: "b", Returns: flat}},
		Objective:  "alpha",
	})
	require.Error(t, err)
}

func TestPortfolioMetricsMatchCombinedSeries(t *testing.T) {
	o := New(0.04, zerolog.Nop())

	a := makeSeries(300, func(i int) float64 { return 0.001 + 0.005*math.Sin(float64(i)/5) })
	b := makeSeries(300, func(i int) float64 { return 0.001 - 0.005*math.Sin(float64(i)/5) })

	result, err := o.Optimize(Request{
		Strategies: []Strategy{{Name: "a", Returns: a}, {Name: "b", Returns: b}},
		Objective:  ObjectiveVolatility,
		MaxWeight:  1,
	})
	require.NoError(t, err)

	combined := make([]float64, len(a))
	for i := range combined {
		combined[i] = result.Weights["a"]*a[i] + result.Weights["b"]*b[i]
	}
	assert.InDelta(t, formulas.CalculateAnnualReturn(combined), result.Metrics.CAGR, 1e-9)
}
