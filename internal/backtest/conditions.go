package backtest

import (
	"math"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/indicators"
	"github.com/aristath/forge/internal/strategy"
)

// ternary is the three-valued result of a condition. Conditions go null
// when an indicator has no value yet (warm-up, or a too-short branch
// history); a null gate routes to else, which is the cash-safe default.
type ternary int

const (
	ternFalse ternary = iota
	ternTrue
	ternNull
)

func ternaryFromBool(b bool) ternary {
	if b {
		return ternTrue
	}
	return ternFalse
}

// ternaryAnd: false dominates, then null.
func ternaryAnd(a, b ternary) ternary {
	if a == ternFalse || b == ternFalse {
		return ternFalse
	}
	if a == ternNull || b == ternNull {
		return ternNull
	}
	return ternTrue
}

// ternaryOr: true dominates, then null.
func ternaryOr(a, b ternary) ternary {
	if a == ternTrue || b == ternTrue {
		return ternTrue
	}
	if a == ternNull || b == ternNull {
		return ternNull
	}
	return ternFalse
}

// evalGate evaluates a gate's full condition set at a master-calendar
// index. Group 0 conditions combine sequentially with their and/or
// logic; each higher group is evaluated the same way internally and
// then OR'ed with the running result. Groups come from gate-chain
// merging, where each absorbed gate is an alternative way to reach the
// shared then branch.
func (rc *runContext) evalGate(n *strategy.Node, idx int) (ternary, error) {
	groups := make(map[int][]*strategy.Condition)
	order := []int{0}
	seen := map[int]bool{0: true}
	for i := range n.Conditions {
		c := &n.Conditions[i]
		if !seen[c.OrGroup] {
			seen[c.OrGroup] = true
			order = append(order, c.OrGroup)
		}
		groups[c.OrGroup] = append(groups[c.OrGroup], c)
	}

	result := ternNull
	for gi, g := range order {
		conds := groups[g]
		if len(conds) == 0 {
			continue
		}
		groupResult, err := rc.evalConditionSeq(n, conds, idx)
		if err != nil {
			return ternNull, err
		}
		if gi == 0 {
			result = groupResult
		} else {
			result = ternaryOr(result, groupResult)
		}
	}
	return result, nil
}

// evalConditionSeq combines conditions left to right with each
// condition's own and/or connective.
func (rc *runContext) evalConditionSeq(n *strategy.Node, conds []*strategy.Condition, idx int) (ternary, error) {
	result, err := rc.evalCondition(n, conds[0], idx)
	if err != nil {
		return ternNull, err
	}
	for _, c := range conds[1:] {
		next, err := rc.evalCondition(n, c, idx)
		if err != nil {
			return ternNull, err
		}
		if c.Logic == "or" {
			result = ternaryOr(result, next)
		} else {
			result = ternaryAnd(result, next)
		}
	}
	return result, nil
}

// evalCondition evaluates one clause at a master-calendar index.
func (rc *runContext) evalCondition(n *strategy.Node, c *strategy.Condition, idx int) (ternary, error) {
	lhs, lhsPrev, err := rc.conditionValue(n, c.Ticker, c.Indicator, c.Window, idx)
	if err != nil {
		return ternNull, err
	}

	var rhs, rhsPrev float64
	if c.RHS != nil {
		rhs, rhsPrev, err = rc.conditionValue(n, c.RHS.Ticker, c.RHS.Indicator, c.RHS.Window, idx)
		if err != nil {
			return ternNull, err
		}
	} else {
		rhs, rhsPrev = c.Value, c.Value
	}

	if math.IsNaN(lhs) || math.IsNaN(rhs) {
		return ternNull, nil
	}

	switch c.Compare {
	case strategy.CmpLT:
		return ternaryFromBool(lhs < rhs), nil
	case strategy.CmpGT:
		return ternaryFromBool(lhs > rhs), nil
	case strategy.CmpCrossAbove:
		if math.IsNaN(lhsPrev) || math.IsNaN(rhsPrev) {
			return ternNull, nil
		}
		return ternaryFromBool(lhsPrev <= rhsPrev && lhs > rhs), nil
	case strategy.CmpCrossBelow:
		if math.IsNaN(lhsPrev) || math.IsNaN(rhsPrev) {
			return ternNull, nil
		}
		return ternaryFromBool(lhsPrev >= rhsPrev && lhs < rhs), nil
	default:
		return ternNull, domain.NewError(domain.KindConfig, "unknown comparator %q", c.Compare).WithNode(n.ID)
	}
}

// conditionValue resolves one side of a condition to its value at idx
// and at idx-1 (for crossings). NaN means "no value yet".
func (rc *runContext) conditionValue(n *strategy.Node, ticker, indicator string, window int, idx int) (cur, prev float64, err error) {
	if slot, ok := branchSlot(ticker); ok {
		return rc.branchIndicatorValue(n.ID, slot, indicator, window, idx)
	}

	values, err := rc.indicatorSeries(ticker, indicator, window)
	if err != nil {
		return 0, 0, err
	}

	cur, prev = math.NaN(), math.NaN()
	if idx >= 0 && idx < len(values) {
		cur = values[idx]
	}
	if idx-1 >= 0 && idx-1 < len(values) {
		prev = values[idx-1]
	}
	return cur, prev, nil
}

func branchSlot(ticker string) (string, bool) {
	c := strategy.Condition{Ticker: ticker}
	if !c.IsBranchRef() {
		return "", false
	}
	return c.BranchSlot(), true
}

// branchIndicatorValue computes an indicator over a gate branch's
// simulated equity history up to idx. The history before the branch
// warm-up is NaN, so early evaluations go null rather than wrong.
func (rc *runContext) branchIndicatorValue(nodeID, slot, indicator string, window int, idx int) (cur, prev float64, err error) {
	equity := rc.branchEquity(nodeID, slot)
	if equity == nil {
		return math.NaN(), math.NaN(),
			domain.NewError(domain.KindStructural, "branch reference to missing slot %q", slot).WithNode(nodeID)
	}

	// Trim leading NaNs; indicators need a contiguous real series.
	startOffset := 0
	for startOffset <= idx && startOffset < len(equity) && math.IsNaN(equity[startOffset]) {
		startOffset++
	}
	if startOffset > idx {
		return math.NaN(), math.NaN(), nil
	}

	history := equity[startOffset : idx+1]
	values, err := indicators.ComputeValues(history, indicator, window)
	if err != nil {
		return 0, 0, err
	}

	cur = values[len(values)-1]
	prev = math.NaN()
	if len(values) >= 2 {
		prev = values[len(values)-2]
	}
	return cur, prev, nil
}
