package backtest

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/forge/internal/database"
	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/indicators"
	"github.com/aristath/forge/internal/prices"
	"github.com/aristath/forge/internal/strategy"
)

func newTestEngine(t *testing.T) (*Engine, *prices.Store) {
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
	engine := NewEngine(store, indicators.NewService(zerolog.Nop()), 0.04, "SPY", zerolog.Nop())
	return engine, store
}

// genBars produces n weekday bars starting 2020-01-02 with closes from
// fn(i). Opens sit slightly below closes so CC and OC results differ.
func genBars(n int, fn func(i int) float64) []domain.Bar {
	bars := make([]domain.Bar, 0, n)
	day := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			c := fn(i)
			bars = append(bars, domain.Bar{
				Date:     day.Format("2006-01-02"),
				Open:     c * 0.995,
				High:     c * 1.01,
				Low:      c * 0.99,
				Close:    c,
				AdjClose: c,
			})
			i++
		}
		day = day.AddDate(0, 0, 1)
	}
	return bars
}

func trendUp(i int) float64      { return 100 * math.Pow(1.0005, float64(i)) }
func trendDown(i int) float64    { return 100 * math.Pow(0.9995, float64(i)) }
func oscillating(i int) float64 {
	if i%2 == 0 {
		return 100
	}
	return 102
}

func mustCompress(t *testing.T, tree *strategy.Node) *strategy.Compressed {
	t.Helper()
	c, err := strategy.Compress(tree)
	require.NoError(t, err)
	return c
}

func TestSinglePositionMatchesBuyAndHold(t *testing.T) {
	engine, store := newTestEngine(t)
	bars := genBars(200, trendUp)
	require.NoError(t, store.UpsertBars("SPY", bars))

	tree := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"SPY"}, Weighting: strategy.WeightEqual}
	result, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.NoError(t, err)

	// Equity must equal SPY's adjusted close normalized at the start of
	// the evaluation range.
	start := 50 // warm-up floor
	base := bars[start].AdjClose
	require.Len(t, result.EquityCurve, len(bars)-start)
	for i, p := range result.EquityCurve {
		want := bars[start+i].AdjClose / base
		assert.InDelta(t, want, p.Equity, 1e-9, "day %d", i)
	}

	assert.Equal(t, 1.0, result.EquityCurve[0].Equity)
	assert.Len(t, result.DailyReturns, len(result.EquityCurve)-1)
	assert.InDelta(t, 1.0, result.Metrics.AvgHoldings, 1e-9)
}

func TestEmptyBranchPruningEqualsSinglePosition(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("AAPL", genBars(200, trendUp)))

	wrapped := &strategy.Node{
		ID:        "root",
		Kind:      strategy.KindBasic,
		Weighting: strategy.WeightEqual,
		Children: map[string][]*strategy.Node{
			strategy.SlotNext: {
				{ID: "e1", Kind: strategy.KindPosition, Tickers: []string{strategy.EmptyTicker}},
				{ID: "p1", Kind: strategy.KindPosition, Tickers: []string{"AAPL"}, Weighting: strategy.WeightEqual},
				{ID: "e2", Kind: strategy.KindPosition, Tickers: []string{strategy.EmptyTicker}},
			},
		},
	}
	plain := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"AAPL"}, Weighting: strategy.WeightEqual}

	a, err := engine.Run(context.Background(), mustCompress(t, wrapped), RunConfig{Mode: ModeCC})
	require.NoError(t, err)
	b, err := engine.Run(context.Background(), mustCompress(t, plain), RunConfig{Mode: ModeCC})
	require.NoError(t, err)

	require.Equal(t, len(a.DailyReturns), len(b.DailyReturns))
	for i := range a.DailyReturns {
		assert.InDelta(t, b.DailyReturns[i], a.DailyReturns[i], 1e-12)
	}
}

func TestGateChainMergeEquivalence(t *testing.T) {
	engine, store := newTestEngine(t)
	// Oscillating RSI drivers so both gate conditions flip over time.
	require.NoError(t, store.UpsertBars("SPY", genBars(300, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/9)
	})))
	require.NoError(t, store.UpsertBars("QQQ", genBars(300, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/13+2)
	})))
	require.NoError(t, store.UpsertBars("TQQQ", genBars(300, trendUp)))
	require.NoError(t, store.UpsertBars("BIL", genBars(300, func(int) float64 { return 100 })))

	rsiBelow := func(ticker string, group int) strategy.Condition {
		return strategy.Condition{Ticker: ticker, Indicator: "RSI", Window: 14, Compare: strategy.CmpLT, Value: 50, OrGroup: group}
	}
	pos := func(id, ticker string) *strategy.Node {
		return &strategy.Node{ID: id, Kind: strategy.KindPosition, Tickers: []string{ticker}, Weighting: strategy.WeightEqual}
	}

	// Tree A: nested chain, merged by the compressor.
	nested := &strategy.Node{
		ID: "g2", Kind: strategy.KindIndicator,
		Conditions: []strategy.Condition{rsiBelow("QQQ", 0)},
		Children: map[string][]*strategy.Node{
			strategy.SlotThen: {pos("p2", "TQQQ")},
			strategy.SlotElse: {pos("p3", "BIL")},
		},
	}
	treeA := &strategy.Node{
		ID: "g1", Kind: strategy.KindIndicator,
		Conditions: []strategy.Condition{rsiBelow("SPY", 0)},
		Children: map[string][]*strategy.Node{
			strategy.SlotThen: {pos("p1", "TQQQ")},
			strategy.SlotElse: {nested},
		},
	}

	// Tree B: the pre-merged form with an OR-grouped condition.
	treeB := &strategy.Node{
		ID: "m1", Kind: strategy.KindIndicator,
		Conditions: []strategy.Condition{rsiBelow("SPY", 0), rsiBelow("QQQ", 1)},
		Children: map[string][]*strategy.Node{
			strategy.SlotThen: {pos("q1", "TQQQ")},
			strategy.SlotElse: {pos("q2", "BIL")},
		},
	}

	ca := mustCompress(t, treeA)
	assert.Equal(t, 1, ca.Stats.GateChainsMerged)

	a, err := engine.Run(context.Background(), ca, RunConfig{Mode: ModeCC})
	require.NoError(t, err)
	b, err := engine.Run(context.Background(), mustCompress(t, treeB), RunConfig{Mode: ModeCC})
	require.NoError(t, err)

	require.Equal(t, len(a.DailyReturns), len(b.DailyReturns))
	for i := range a.DailyReturns {
		assert.InDelta(t, b.DailyReturns[i], a.DailyReturns[i], 1e-12, "day %d", i)
	}
}

func TestCostOfRebalance(t *testing.T) {
	engine, store := newTestEngine(t)
	// OSC alternates daily, so ROC(1) flips sign every day and the gate
	// fully switches between two disjoint tickers.
	require.NoError(t, store.UpsertBars("OSC", genBars(200, oscillating)))
	require.NoError(t, store.UpsertBars("AAA", genBars(200, trendUp)))
	require.NoError(t, store.UpsertBars("BBB", genBars(200, trendDown)))

	tree := &strategy.Node{
		ID: "g", Kind: strategy.KindIndicator,
		Conditions: []strategy.Condition{
			{Ticker: "OSC", Indicator: "ROC", Window: 1, Compare: strategy.CmpGT, Value: 0},
		},
		Children: map[string][]*strategy.Node{
			strategy.SlotThen: {{ID: "a", Kind: strategy.KindPosition, Tickers: []string{"AAA"}, Weighting: strategy.WeightEqual}},
			strategy.SlotElse: {{ID: "b", Kind: strategy.KindPosition, Tickers: []string{"BBB"}, Weighting: strategy.WeightEqual}},
		},
	}

	free, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC, CostBps: 0})
	require.NoError(t, err)
	costed, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC, CostBps: 100})
	require.NoError(t, err)

	// Full daily switches: average turnover approaches 1.
	assert.Greater(t, free.Metrics.AvgTurnover, 0.95)

	// 100 bps on unit turnover shaves ~1% off each day's return.
	require.Equal(t, len(free.DailyReturns), len(costed.DailyReturns))
	for i := 1; i < len(free.DailyReturns); i++ {
		assert.InDelta(t, free.DailyReturns[i]-0.01, costed.DailyReturns[i], 1e-9, "day %d", i)
	}
	assert.Less(t, costed.EquityCurve[len(costed.EquityCurve)-1].Equity,
		free.EquityCurve[len(free.EquityCurve)-1].Equity)
}

func TestWeightInvariantsHold(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("AAPL", genBars(200, trendUp)))
	require.NoError(t, store.UpsertBars("MSFT", genBars(200, trendDown)))

	tree := &strategy.Node{
		ID:        "root",
		Kind:      strategy.KindBasic,
		Weighting: strategy.WeightEqual,
		Children: map[string][]*strategy.Node{
			strategy.SlotNext: {
				{ID: "p1", Kind: strategy.KindPosition, Tickers: []string{"AAPL"}, Weighting: strategy.WeightEqual},
				{ID: "p2", Kind: strategy.KindPosition, Tickers: []string{"MSFT"}, Weighting: strategy.WeightEqual},
			},
		},
	}

	result, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.NoError(t, err)

	for _, row := range result.Allocations {
		sum := 0.0
		for _, w := range row.Entries {
			assert.GreaterOrEqual(t, w, 0.0)
			sum += w
		}
		assert.LessOrEqual(t, sum, 1+1e-6)
	}
	for _, p := range result.EquityCurve {
		assert.Greater(t, p.Equity, 0.0)
	}
	assert.Equal(t, len(result.EquityCurve)-1, len(result.DailyReturns))
}

func TestOCModeCreditsCarriedAllocation(t *testing.T) {
	engine, store := newTestEngine(t)

	// Closes drive the gate while opens move independently, so the
	// open-to-open timing is observable: AAA gains exactly 1% open-to-open
	// every day and BBB loses exactly 1%.
	var aaa, bbb []domain.Bar
	day := time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 200; {
		if wd := day.Weekday(); wd != time.Saturday && wd != time.Sunday {
			date := day.Format("2006-01-02")
			closeA := 100 + float64(i)
			aaa = append(aaa, domain.Bar{
				Date: date, Open: 50 * math.Pow(1.01, float64(i)),
				High: closeA, Low: closeA, Close: closeA, AdjClose: closeA,
			})
			bbb = append(bbb, domain.Bar{
				Date: date, Open: 50 * math.Pow(0.99, float64(i)),
				High: 100, Low: 100, Close: 100, AdjClose: 100,
			})
			i++
		}
		day = day.AddDate(0, 0, 1)
	}
	require.NoError(t, store.UpsertBars("AAA", aaa))
	require.NoError(t, store.UpsertBars("BBB", bbb))

	// Holds AAA until AAA's close crosses 220, then switches to BBB.
	tree := &strategy.Node{
		ID: "g", Kind: strategy.KindIndicator,
		Conditions: []strategy.Condition{
			{Ticker: "AAA", Indicator: "PRICE", Compare: strategy.CmpGT, Value: 220},
		},
		Children: map[string][]*strategy.Node{
			strategy.SlotThen: {{ID: "p2", Kind: strategy.KindPosition, Tickers: []string{"BBB"}, Weighting: strategy.WeightEqual}},
			strategy.SlotElse: {{ID: "p1", Kind: strategy.KindPosition, Tickers: []string{"AAA"}, Weighting: strategy.WeightEqual}},
		},
	}

	result, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeOC})
	require.NoError(t, err)

	switched := -1
	for i, row := range result.Allocations {
		if _, ok := row.Entries["BBB"]; ok {
			switched = i
			break
		}
	}
	require.Greater(t, switched, 0)
	require.Less(t, switched+1, len(result.DailyReturns))

	// The switch is decided at a close and only tradable at the next
	// open, so the transition day's open-to-open return still belongs to
	// AAA; BBB's return starts the day after.
	assert.InDelta(t, 0.01, result.DailyReturns[switched], 1e-9)
	assert.InDelta(t, -0.01, result.DailyReturns[switched+1], 1e-9)
}

func TestInsufficientHistory(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("SPY", genBars(80, trendUp)))

	tree := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"SPY"}, Weighting: strategy.WeightEqual}
	_, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.Error(t, err)

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.KindDataInsufficient, derr.Kind)
}

func TestMissingTicker(t *testing.T) {
	engine, _ := newTestEngine(t)

	tree := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"GHOST"}, Weighting: strategy.WeightEqual}
	_, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.Error(t, err)

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.KindDataMissing, derr.Kind)
}

func TestInvalidMode(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("SPY", genBars(200, trendUp)))

	tree := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"SPY"}, Weighting: strategy.WeightEqual}
	_, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: "XX"})
	require.Error(t, err)

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.KindConfig, derr.Kind)
}

func TestCancellation(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("SPY", genBars(300, trendUp)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tree := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"SPY"}, Weighting: strategy.WeightEqual}
	_, err := engine.Run(ctx, mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeterminism(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("SPY", genBars(250, func(i int) float64 {
		return 100 + 10*math.Sin(float64(i)/7)
	})))
	require.NoError(t, store.UpsertBars("BIL", genBars(250, func(int) float64 { return 100 })))

	tree := &strategy.Node{
		ID: "g", Kind: strategy.KindIndicator,
		Conditions: []strategy.Condition{
			{Ticker: "SPY", Indicator: "RSI", Window: 14, Compare: strategy.CmpLT, Value: 50},
		},
		Children: map[string][]*strategy.Node{
			strategy.SlotThen: {{ID: "p1", Kind: strategy.KindPosition, Tickers: []string{"SPY"}, Weighting: strategy.WeightEqual}},
			strategy.SlotElse: {{ID: "p2", Kind: strategy.KindPosition, Tickers: []string{"BIL"}, Weighting: strategy.WeightEqual}},
		},
	}

	a, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.NoError(t, err)
	b, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.NoError(t, err)

	assert.Equal(t, a.DailyReturns, b.DailyReturns)
	assert.Equal(t, a.Metrics, b.Metrics)
}

func TestBenchmarkCurveAndBeta(t *testing.T) {
	engine, store := newTestEngine(t)
	require.NoError(t, store.UpsertBars("SPY", genBars(200, trendUp)))

	tree := &strategy.Node{ID: "p", Kind: strategy.KindPosition, Tickers: []string{"SPY"}, Weighting: strategy.WeightEqual}
	result, err := engine.Run(context.Background(), mustCompress(t, tree), RunConfig{Mode: ModeCC})
	require.NoError(t, err)

	require.NotEmpty(t, result.BenchmarkCurve)
	assert.InDelta(t, 1.0, result.BenchmarkCurve[0].Equity, 1e-12)
	// Strategy is the benchmark, so beta is 1.
	assert.InDelta(t, 1.0, result.Metrics.Beta, 1e-9)
}
