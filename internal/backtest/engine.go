// Package backtest evaluates compressed strategy trees over historical
// prices and produces equity curves, allocations and metrics.
package backtest

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/indicators"
	"github.com/aristath/forge/internal/prices"
	"github.com/aristath/forge/internal/strategy"
)

// Evaluation modes.
const (
	// ModeCC - decide at the previous close, earn close-to-close returns
	ModeCC = "CC"
	// ModeOC - decide at the previous close, trade at the next open;
	// open-to-open returns accrue to the allocation held through the open
	ModeOC = "OC"
)

// minEvaluableDays is the fewest post-warm-up days a backtest needs.
const minEvaluableDays = 50

// warmupFloor is the minimum warm-up regardless of indicator lookbacks.
const warmupFloor = 50

// branchWarmupBuffer is the extra history accumulated for simulated
// branch equity before branch-referencing conditions may fire.
const branchWarmupBuffer = 50

// weightTolerance bounds the allowed overshoot of an allocation's sum.
const weightTolerance = 1e-6

// RunConfig holds the evaluation settings that participate in the
// payload hash.
type RunConfig struct {
	Mode    string
	CostBps float64
}

// Engine runs backtests. It is safe for concurrent use; all per-run
// state lives in a runContext owned by the calling goroutine.
type Engine struct {
	prices          *prices.Store
	indicators      *indicators.Service
	riskFreeRate    float64
	benchmarkTicker string
	log             zerolog.Logger
}

// NewEngine creates a backtest engine. benchmarkTicker is used for the
// benchmark curve and beta (SPY in production).
func NewEngine(store *prices.Store, ind *indicators.Service, riskFreeRate float64, benchmarkTicker string, log zerolog.Logger) *Engine {
	return &Engine{
		prices:          store,
		indicators:      ind,
		riskFreeRate:    riskFreeRate,
		benchmarkTicker: benchmarkTicker,
		log:             log.With().Str("component", "backtest").Logger(),
	}
}

// Run evaluates a compressed tree and returns the full result. The
// context is checked at every day boundary; a canceled run returns the
// context error and writes nothing.
func (e *Engine) Run(ctx context.Context, compressed *strategy.Compressed, cfg RunConfig) (*domain.BacktestResult, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeCC
	}
	if cfg.Mode != ModeCC && cfg.Mode != ModeOC {
		return nil, domain.NewError(domain.KindConfig, "invalid mode %q", cfg.Mode)
	}
	if cfg.CostBps < 0 {
		return nil, domain.NewError(domain.KindConfig, "negative cost %f bps", cfg.CostBps)
	}

	root := compressed.Tree
	required := compressed.TickerLocations[root.ID]
	if len(required) == 0 {
		return nil, domain.NewError(domain.KindDataInsufficient, "strategy references no tickers")
	}

	seriesMap, err := e.prices.GetSeriesBatch(ctx, required)
	if err != nil {
		return nil, err
	}

	rc, err := e.buildRunContext(ctx, compressed, seriesMap)
	if err != nil {
		return nil, err
	}

	warmup, hasBranches, err := requiredWarmup(root)
	if err != nil {
		return nil, err
	}
	simStart := warmup
	start := warmup
	if hasBranches {
		start += branchWarmupBuffer
	}

	if len(rc.dates)-start < minEvaluableDays {
		return nil, domain.NewError(domain.KindDataInsufficient,
			"%d evaluable days after warm-up, need %d", max(0, len(rc.dates)-start), minEvaluableDays)
	}

	if hasBranches {
		initBranchState(rc, root, simStart)
	}

	equity := 1.0
	prev := domain.Allocation{}
	result := &domain.BacktestResult{
		EquityCurve: []domain.EquityPoint{{Date: rc.dates[start], Equity: 1.0}},
		Dates:       []string{rc.dates[start]},
		Compression: compressed.Stats,
	}
	var turnovers, holdings []float64

	for i := simStart + 1; i < len(rc.dates); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if hasBranches {
			if err := rc.updateBranches(root, i, cfg.Mode); err != nil {
				return nil, err
			}
		}
		if i <= start {
			continue
		}

		target, err := rc.evalNode(root, i-1, 1.0)
		if err != nil {
			return nil, err
		}
		if err := checkAllocation(target, root.ID); err != nil {
			return nil, err
		}

		turnover := halfL1Distance(target, prev)
		// The open[i-1] -> open[i] window starts before the close-of-i-1
		// data the decision used, so in OC mode the day's return accrues
		// to the allocation carried in, not the new target.
		held := target
		if cfg.Mode == ModeOC {
			held = prev
		}
		dayRet, err := rc.portfolioReturn(held, i, cfg.Mode)
		if err != nil {
			return nil, err
		}
		netRet := dayRet - turnover*cfg.CostBps/1e4

		equity *= 1 + netRet
		if equity <= 0 || math.IsNaN(equity) || math.IsInf(equity, 0) {
			return nil, domain.NewError(domain.KindEvaluator,
				"equity became non-positive on %s", rc.dates[i]).WithNode(root.ID)
		}

		result.EquityCurve = append(result.EquityCurve, domain.EquityPoint{Date: rc.dates[i], Equity: equity})
		result.Dates = append(result.Dates, rc.dates[i])
		result.DailyReturns = append(result.DailyReturns, netRet)
		result.Allocations = append(result.Allocations, domain.AllocationRow{Date: rc.dates[i], Entries: target})
		turnovers = append(turnovers, turnover)
		holdings = append(holdings, float64(len(target)))
		prev = target
	}

	e.finishResult(ctx, rc, result, start, turnovers, holdings)

	e.log.Debug().
		Str("mode", cfg.Mode).
		Int("days", len(result.DailyReturns)).
		Float64("finalEquity", equity).
		Msg("backtest complete")

	return result, nil
}

// buildRunContext aligns every required series onto the master calendar
// (the intersection of all tickers' trading days).
func (e *Engine) buildRunContext(ctx context.Context, compressed *strategy.Compressed, seriesMap map[string]*domain.Series) (*runContext, error) {
	counts := make(map[string]int)
	for _, series := range seriesMap {
		for _, bar := range series.Bars {
			counts[bar.Date]++
		}
	}

	var dates []string
	for date, n := range counts {
		if n == len(seriesMap) {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)

	if len(dates) == 0 {
		return nil, domain.NewError(domain.KindDataInsufficient, "no overlapping trading days across required tickers")
	}

	aligned := make(map[string]*alignedSeries, len(seriesMap))
	for ticker, series := range seriesMap {
		ownByDate := make(map[string]int, len(series.Bars))
		for i, bar := range series.Bars {
			ownByDate[bar.Date] = i
		}

		al := &alignedSeries{
			series:   series,
			adjClose: make([]float64, len(dates)),
			open:     make([]float64, len(dates)),
			ownIdx:   make([]int, len(dates)),
		}
		for i, date := range dates {
			own := ownByDate[date]
			al.ownIdx[i] = own
			al.adjClose[i] = series.Bars[own].AdjClose
			al.open[i] = series.Bars[own].Open
		}
		aligned[ticker] = al
	}

	// Market caps only matter when some node weights by them; a missing
	// metadata table entry degrades to equal weighting at eval time.
	var caps map[string]float64
	if treeUsesMarketCap(compressed.Tree) {
		tickers := compressed.TickerLocations[compressed.Tree.ID]
		var err error
		caps, err = e.prices.MarketCaps(ctx, tickers)
		if err != nil {
			return nil, domain.WrapError(domain.KindEvaluator, err, "failed to load market caps")
		}
	}

	return &runContext{
		compressed:    compressed,
		dates:         dates,
		aligned:       aligned,
		marketCaps:    caps,
		indicators:    e.indicators,
		indicatorMemo: make(map[string][]float64),
		staticMemo:    make(map[string]domain.Allocation),
		branches:      make(map[string][]float64),
	}, nil
}

func treeUsesMarketCap(n *strategy.Node) bool {
	if n == nil {
		return false
	}
	if n.Weighting == strategy.WeightMarketCap {
		return true
	}
	for _, slot := range []string{strategy.SlotNext, strategy.SlotThen, strategy.SlotElse} {
		for _, child := range n.Slot(slot) {
			if treeUsesMarketCap(child) {
				return true
			}
		}
	}
	return false
}

// requiredWarmup computes the master-calendar index at which every
// indicator in the tree has a value, with a floor so short-lookback
// trees still skip the noisy head of the data.
func requiredWarmup(root *strategy.Node) (warmup int, hasBranches bool, err error) {
	maxLookback := 0
	err = walkTree(root, func(n *strategy.Node) error {
		for i := range n.Conditions {
			c := &n.Conditions[i]
			if c.IsBranchRef() {
				hasBranches = true
			} else {
				lb, err := indicators.Lookback(c.Indicator, c.Window)
				if err != nil {
					return err
				}
				if lb > maxLookback {
					maxLookback = lb
				}
			}
			if c.RHS != nil {
				if refsBranch(c.RHS) {
					hasBranches = true
				}
				lb, err := indicators.Lookback(c.RHS.Indicator, c.RHS.Window)
				if err != nil {
					return err
				}
				if lb > maxLookback {
					maxLookback = lb
				}
			}
		}
		if n.Function != nil {
			lb, err := indicators.Lookback(n.Function.Indicator, n.Function.Window)
			if err != nil {
				return err
			}
			if lb > maxLookback {
				maxLookback = lb
			}
		}
		if n.Weighting == strategy.WeightInverseVol && invVolWindow > maxLookback {
			maxLookback = invVolWindow
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	warmup = maxLookback
	if warmup < warmupFloor {
		warmup = warmupFloor
	}
	return warmup, hasBranches, nil
}

// refsBranch reports whether a condition's right-hand side names a
// branch instead of a ticker.
func refsBranch(ref *strategy.IndicatorRef) bool {
	return ref != nil && strings.HasPrefix(ref.Ticker, strategy.BranchPrefix)
}

func walkTree(n *strategy.Node, fn func(*strategy.Node) error) error {
	if n == nil {
		return nil
	}
	if err := fn(n); err != nil {
		return err
	}
	for _, slot := range []string{strategy.SlotNext, strategy.SlotThen, strategy.SlotElse} {
		for _, child := range n.Slot(slot) {
			if err := walkTree(child, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// initBranchState allocates the simulated equity arrays for every gate
// branch that is referenced by a condition.
func initBranchState(rc *runContext, root *strategy.Node, simStart int) {
	_ = walkTree(root, func(n *strategy.Node) error {
		if n.Kind != strategy.KindIndicator {
			return nil
		}
		needed := false
		for i := range n.Conditions {
			if n.Conditions[i].IsBranchRef() || refsBranch(n.Conditions[i].RHS) {
				needed = true
				break
			}
		}
		if !needed {
			return nil
		}

		for _, slot := range []string{strategy.SlotThen, strategy.SlotElse} {
			if len(n.Slot(slot)) == 0 {
				continue
			}
			equity := make([]float64, len(rc.dates))
			for i := range equity {
				equity[i] = math.NaN()
			}
			equity[simStart] = 1.0
			rc.branches[n.ID+"|"+slot] = equity
		}
		return nil
	})
}

// updateBranches advances every simulated branch equity to day i, using
// the branch subtree's allocation decided at i-1. Walked top-down so
// nested branch references see already-updated ancestors.
func (rc *runContext) updateBranches(root *strategy.Node, i int, mode string) error {
	return walkTree(root, func(n *strategy.Node) error {
		for _, slot := range []string{strategy.SlotThen, strategy.SlotElse} {
			equity := rc.branches[n.ID+"|"+slot]
			if equity == nil || math.IsNaN(equity[i-1]) {
				continue
			}

			children := n.Slot(slot)
			alloc := domain.Allocation{}
			share := 1.0 / float64(len(children))
			for _, child := range children {
				childAlloc, err := rc.evalNode(child, i-1, share)
				if err != nil {
					return err
				}
				mergeAllocation(alloc, childAlloc)
			}

			dayRet, err := rc.portfolioReturn(alloc, i, mode)
			if err != nil {
				return err
			}
			equity[i] = equity[i-1] * (1 + dayRet)
		}
		return nil
	})
}

// portfolioReturn computes the day's return of an allocation held from
// i-1 to i: adjusted close-to-close in CC mode, open-to-open in OC.
func (rc *runContext) portfolioReturn(alloc domain.Allocation, i int, mode string) (float64, error) {
	total := 0.0
	for ticker, weight := range alloc {
		al, ok := rc.aligned[ticker]
		if !ok {
			return 0, domain.NewError(domain.KindDataMissing, "ticker not loaded for evaluation").WithTicker(ticker)
		}

		var prev, cur float64
		if mode == ModeOC {
			prev, cur = al.open[i-1], al.open[i]
		} else {
			prev, cur = al.adjClose[i-1], al.adjClose[i]
		}
		if prev <= 0 {
			continue
		}
		total += weight * (cur/prev - 1)
	}
	return total, nil
}

// checkAllocation enforces the weight invariants: finite, non-negative,
// sum at most 1 plus tolerance.
func checkAllocation(alloc domain.Allocation, nodeID string) error {
	sum := 0.0
	for ticker, w := range alloc {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return domain.NewError(domain.KindEvaluator, "non-finite weight for %s", ticker).WithNode(nodeID)
		}
		if w < 0 {
			return domain.NewError(domain.KindEvaluator, "negative weight %f for %s", w, ticker).WithNode(nodeID)
		}
		sum += w
	}
	if sum > 1+weightTolerance {
		return domain.NewError(domain.KindEvaluator, "weights sum to %f", sum).WithNode(nodeID)
	}
	return nil
}

// halfL1Distance is the turnover between consecutive allocations.
func halfL1Distance(a, b domain.Allocation) float64 {
	total := 0.0
	for t, w := range a {
		total += math.Abs(w - b[t])
	}
	for t, w := range b {
		if _, ok := a[t]; !ok {
			total += math.Abs(w)
		}
	}
	return total / 2
}
