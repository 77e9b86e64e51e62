package backtest

import (
	"fmt"
	"math"
	"sort"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/indicators"
	"github.com/aristath/forge/internal/strategy"
)

// invVolWindow is the trailing-return window used by inverse-volatility
// weighting.
const invVolWindow = 20

// alignedSeries is one ticker's price data mapped onto the master
// calendar. ownIdx[i] is the index into the ticker's full series of
// master day i, used to translate indicator series between calendars.
type alignedSeries struct {
	series   *domain.Series
	adjClose []float64
	open     []float64
	ownIdx   []int
}

// runContext is the per-run scratch state of one backtest. It is owned
// by a single goroutine for the duration of the run.
type runContext struct {
	compressed *strategy.Compressed
	dates      []string
	aligned    map[string]*alignedSeries
	marketCaps map[string]float64
	indicators *indicators.Service

	// indicator series remapped to the master calendar, keyed by
	// ticker|name|window
	indicatorMemo map[string][]float64

	// allocations of static nodes with date-independent weighting,
	// computed once and reused every day
	staticMemo map[string]domain.Allocation

	// simulated equity per gate branch, keyed by nodeID|slot, aligned
	// to the master calendar (NaN before the branch sim starts)
	branches map[string][]float64
}

func (rc *runContext) branchEquity(nodeID, slot string) []float64 {
	return rc.branches[nodeID+"|"+slot]
}

// indicatorSeries returns an indicator series aligned to the master
// calendar for a ticker.
func (rc *runContext) indicatorSeries(ticker, name string, window int) ([]float64, error) {
	key := fmt.Sprintf("%s|%s|%d", ticker, name, window)
	if values, ok := rc.indicatorMemo[key]; ok {
		return values, nil
	}

	al, ok := rc.aligned[ticker]
	if !ok {
		return nil, domain.NewError(domain.KindDataMissing, "ticker not loaded for evaluation").WithTicker(ticker)
	}

	own, err := rc.indicators.Series(al.series, name, window)
	if err != nil {
		return nil, err
	}

	values := make([]float64, len(rc.dates))
	for i := range rc.dates {
		values[i] = own[al.ownIdx[i]]
	}
	rc.indicatorMemo[key] = values
	return values, nil
}

// evalNode produces the allocation of a subtree at a master-calendar
// index, scaled by the upstream weight. An empty allocation is cash.
func (rc *runContext) evalNode(n *strategy.Node, idx int, weight float64) (domain.Allocation, error) {
	if weight <= 0 {
		return domain.Allocation{}, nil
	}

	// Static nodes with date-independent weighting always produce the
	// same unit allocation; memoize it once.
	if rc.compressed.StaticNodes[n.ID] && isDateIndependent(n) {
		if unit, ok := rc.staticMemo[n.ID]; ok {
			return scaleAllocation(unit, weight), nil
		}
		unit, err := rc.evalNodeUncached(n, idx, 1.0)
		if err != nil {
			return nil, err
		}
		rc.staticMemo[n.ID] = unit
		return scaleAllocation(unit, weight), nil
	}

	return rc.evalNodeUncached(n, idx, weight)
}

// isDateIndependent reports whether a static subtree's weighting can
// change from day to day. Inverse-volatility positions are static in
// shape but their weights move with trailing volatility.
func isDateIndependent(n *strategy.Node) bool {
	if n.Weighting == strategy.WeightInverseVol {
		return false
	}
	for _, child := range n.Slot(strategy.SlotNext) {
		if !isDateIndependent(child) {
			return false
		}
	}
	return true
}

func (rc *runContext) evalNodeUncached(n *strategy.Node, idx int, weight float64) (domain.Allocation, error) {
	switch n.Kind {
	case strategy.KindPosition:
		return rc.evalPosition(n, idx, weight)
	case strategy.KindBasic:
		return rc.evalBasic(n, idx, weight)
	case strategy.KindIndicator:
		return rc.evalIndicator(n, idx, weight)
	case strategy.KindFunction:
		return rc.evalFunction(n, idx, weight)
	default:
		return nil, domain.NewError(domain.KindStructural, "unknown node kind %q", n.Kind).WithNode(n.ID)
	}
}

func (rc *runContext) evalPosition(n *strategy.Node, idx int, weight float64) (domain.Allocation, error) {
	tickers := n.RealTickers()
	if len(tickers) == 0 {
		return domain.Allocation{}, nil
	}

	raw := make(map[string]float64, len(tickers))
	switch n.Weighting {
	case strategy.WeightEqual, "":
		for _, t := range tickers {
			raw[t] = 1
		}

	case strategy.WeightUser:
		for _, t := range tickers {
			raw[t] = n.Weights[t]
		}

	case strategy.WeightInverseVol:
		allValid := true
		for _, t := range tickers {
			values, err := rc.indicatorSeries(t, indicators.InvVol, invVolWindow)
			if err != nil {
				return nil, err
			}
			v := values[idx]
			if math.IsNaN(v) || v <= 0 {
				allValid = false
				break
			}
			raw[t] = v
		}
		if !allValid {
			// Not enough trailing history yet, hold the sleeve equally.
			for _, t := range tickers {
				raw[t] = 1
			}
		}

	case strategy.WeightMarketCap:
		allCapped := true
		for _, t := range tickers {
			cap, ok := rc.marketCaps[t]
			if !ok || cap <= 0 {
				allCapped = false
				break
			}
			raw[t] = cap
		}
		if !allCapped {
			for _, t := range tickers {
				raw[t] = 1
			}
		}

	default:
		return nil, domain.NewError(domain.KindConfig, "unknown weighting %q", n.Weighting).WithNode(n.ID)
	}

	alloc, err := normalizeTo(raw, weight)
	if err != nil {
		return nil, domain.WrapError(domain.KindEvaluator, err, "bad position weights").WithNode(n.ID)
	}
	return alloc, nil
}

func (rc *runContext) evalBasic(n *strategy.Node, idx int, weight float64) (domain.Allocation, error) {
	children := n.Slot(strategy.SlotNext)
	if len(children) == 0 {
		return domain.Allocation{}, nil
	}

	childWeights := make([]float64, len(children))
	switch n.Weighting {
	case strategy.WeightEqual, "":
		for i := range children {
			childWeights[i] = weight / float64(len(children))
		}

	case strategy.WeightUser:
		total := 0.0
		for _, child := range children {
			total += n.Weights[child.ID]
		}
		if total <= 0 {
			return nil, domain.NewError(domain.KindConfig, "user weights for children sum to zero").WithNode(n.ID)
		}
		for i, child := range children {
			childWeights[i] = weight * n.Weights[child.ID] / total
		}

	default:
		return nil, domain.NewError(domain.KindConfig, "weighting %q not valid for a group node", n.Weighting).WithNode(n.ID)
	}

	out := domain.Allocation{}
	for i, child := range children {
		childAlloc, err := rc.evalNode(child, idx, childWeights[i])
		if err != nil {
			return nil, err
		}
		mergeAllocation(out, childAlloc)
	}
	return out, nil
}

func (rc *runContext) evalIndicator(n *strategy.Node, idx int, weight float64) (domain.Allocation, error) {
	result, err := rc.evalGate(n, idx)
	if err != nil {
		return nil, err
	}

	slot := strategy.SlotElse
	if result == ternTrue {
		slot = strategy.SlotThen
	}

	children := n.Slot(slot)
	if len(children) == 0 {
		// Absent branch means cash.
		return domain.Allocation{}, nil
	}

	out := domain.Allocation{}
	share := weight / float64(len(children))
	for _, child := range children {
		childAlloc, err := rc.evalNode(child, idx, share)
		if err != nil {
			return nil, err
		}
		mergeAllocation(out, childAlloc)
	}
	return out, nil
}

func (rc *runContext) evalFunction(n *strategy.Node, idx int, weight float64) (domain.Allocation, error) {
	children := n.Slot(strategy.SlotNext)
	if len(children) == 0 {
		return domain.Allocation{}, nil
	}
	out := domain.Allocation{}
	share := weight / float64(len(children))
	for _, child := range children {
		childAlloc, err := rc.evalNode(child, idx, share)
		if err != nil {
			return nil, err
		}
		mergeAllocation(out, childAlloc)
	}

	if len(out) == 0 {
		return out, nil
	}

	kept, err := rc.applyFunction(n, out, idx)
	if err != nil {
		return nil, err
	}
	if len(kept) == 0 {
		return domain.Allocation{}, nil
	}

	// Renormalize the surviving weights back to the incoming total.
	total := 0.0
	for _, w := range out {
		total += w
	}
	keptTotal := 0.0
	for _, w := range kept {
		keptTotal += w
	}
	if keptTotal <= 0 {
		return domain.Allocation{}, nil
	}
	for t, w := range kept {
		kept[t] = w * total / keptTotal
	}
	return kept, nil
}

// applyFunction selects the subset of an allocation that survives the
// node's post-processing, ranked or filtered by the metric at idx.
// Tickers whose metric has no value yet are dropped.
func (rc *runContext) applyFunction(n *strategy.Node, alloc domain.Allocation, idx int) (domain.Allocation, error) {
	f := n.Function

	type scored struct {
		ticker string
		value  float64
	}
	var entries []scored
	for t := range alloc {
		values, err := rc.indicatorSeries(t, f.Indicator, f.Window)
		if err != nil {
			return nil, err
		}
		v := values[idx]
		if math.IsNaN(v) {
			continue
		}
		entries = append(entries, scored{ticker: t, value: v})
	}

	kept := domain.Allocation{}
	switch f.Name {
	case strategy.FnTop, strategy.FnBottom:
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].value != entries[j].value {
				if f.Name == strategy.FnTop {
					return entries[i].value > entries[j].value
				}
				return entries[i].value < entries[j].value
			}
			// Ties break on ticker so runs are deterministic.
			return entries[i].ticker < entries[j].ticker
		})
		count := f.Count
		if count > len(entries) {
			count = len(entries)
		}
		for _, e := range entries[:count] {
			kept[e.ticker] = alloc[e.ticker]
		}

	case strategy.FnFilterAbove:
		for _, e := range entries {
			if e.value > f.Threshold {
				kept[e.ticker] = alloc[e.ticker]
			}
		}

	case strategy.FnFilterBelow:
		for _, e := range entries {
			if e.value < f.Threshold {
				kept[e.ticker] = alloc[e.ticker]
			}
		}

	default:
		return nil, domain.NewError(domain.KindConfig, "unknown function %q", f.Name).WithNode(n.ID)
	}

	return kept, nil
}

// normalizeTo scales raw scores so they sum to target. Non-finite or
// negative scores are evaluator errors.
func normalizeTo(raw map[string]float64, target float64) (domain.Allocation, error) {
	total := 0.0
	for t, v := range raw {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite weight for %s", t)
		}
		if v < 0 {
			return nil, fmt.Errorf("negative weight %f for %s", v, t)
		}
		total += v
	}
	if total <= 0 {
		return domain.Allocation{}, nil
	}

	out := make(domain.Allocation, len(raw))
	for t, v := range raw {
		if v > 0 {
			out[t] = v / total * target
		}
	}
	return out, nil
}

func scaleAllocation(a domain.Allocation, factor float64) domain.Allocation {
	out := make(domain.Allocation, len(a))
	for t, w := range a {
		out[t] = w * factor
	}
	return out
}

func mergeAllocation(dst, src domain.Allocation) {
	for t, w := range src {
		dst[t] += w
	}
}
