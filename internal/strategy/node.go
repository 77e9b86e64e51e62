// Package strategy defines the strategy tree model, its serialized
// payload format, and the compressor that rewrites trees into smaller
// semantically equivalent forms.
package strategy

import (
	"strings"

	"github.com/aristath/forge/internal/domain"
	"github.com/aristath/forge/internal/indicators"
)

// Kind identifies the behavior of a tree node.
type Kind string

const (
	// KindPosition - terminal node holding a set of tickers
	KindPosition Kind = "position"
	// KindBasic - weighted group distributing weight across children
	KindBasic Kind = "basic"
	// KindIndicator - gate routing between then/else on conditions
	KindIndicator Kind = "indicator"
	// KindFunction - post-processor over a single child's allocation
	KindFunction Kind = "function"
)

// Child slots.
const (
	SlotNext = "next"
	SlotThen = "then"
	SlotElse = "else"
)

// WeightMode selects how a node distributes weight.
type WeightMode string

const (
	// WeightEqual - 1/n across tickers or children
	WeightEqual WeightMode = "equal"
	// WeightUser - explicit weights from the node's Weights map
	WeightUser WeightMode = "user"
	// WeightInverseVol - proportional to 1/sigma of trailing returns
	WeightInverseVol WeightMode = "inverse-vol"
	// WeightMarketCap - proportional to market capitalization
	WeightMarketCap WeightMode = "market-cap"
)

// Comparators for gate conditions.
const (
	CmpLT         = "lt"
	CmpGT         = "gt"
	CmpCrossAbove = "crossAbove"
	CmpCrossBelow = "crossBelow"
)

// EmptyTicker is the placeholder the editor emits for unset positions.
// Compression prunes it.
const EmptyTicker = "Empty"

// BranchPrefix marks a condition right-hand side that references a
// sibling branch's accumulated equity instead of a ticker.
const BranchPrefix = "branch:"

// IndicatorRef names an indicator applied to a ticker.
type IndicatorRef struct {
	Ticker    string `json:"ticker"`
	Indicator string `json:"indicator"`
	Window    int    `json:"window"`
}

// Condition is one boolean clause of an indicator gate. The left side
// is always (Ticker, Indicator, Window); the right side is a literal
// Value unless RHS is set. Ticker may carry a branch reference.
//
// Logic joins this condition with the preceding one inside its group
// ("and" when empty). OrGroup 0 is the gate's base set; conditions in
// groups > 0 are evaluated per group and OR'ed with the base result.
// Groups are produced by gate-chain merging.
type Condition struct {
	Ticker    string        `json:"ticker"`
	Indicator string        `json:"indicator"`
	Window    int           `json:"window"`
	Compare   string        `json:"compare"`
	Value     float64       `json:"value"`
	RHS       *IndicatorRef `json:"rhs,omitempty"`
	Logic     string        `json:"logic,omitempty"`
	OrGroup   int           `json:"orGroup,omitempty"`
}

// IsBranchRef reports whether the condition's left side references a
// sibling branch instead of a ticker.
func (c *Condition) IsBranchRef() bool {
	return strings.HasPrefix(c.Ticker, BranchPrefix)
}

// BranchSlot returns the referenced branch slot name, or "".
func (c *Condition) BranchSlot() string {
	if !c.IsBranchRef() {
		return ""
	}
	return strings.TrimPrefix(c.Ticker, BranchPrefix)
}

// FunctionSpec configures a function node's post-processing.
type FunctionSpec struct {
	Name      string  `json:"name"`                // top, bottom, filter-above, filter-below
	Indicator string  `json:"indicator"`           // ranking metric
	Window    int     `json:"window"`              // metric window
	Count     int     `json:"count,omitempty"`     // for top/bottom
	Threshold float64 `json:"threshold,omitempty"` // for filters
}

// Function node post-processor names.
const (
	FnTop         = "top"
	FnBottom      = "bottom"
	FnFilterAbove = "filter-above"
	FnFilterBelow = "filter-below"
)

// Node is one element of a strategy tree.
type Node struct {
	ID        string             `json:"id"`
	Kind      Kind               `json:"kind"`
	Title     string             `json:"title,omitempty"`
	Tickers   []string           `json:"tickers,omitempty"`
	Weighting WeightMode         `json:"weighting,omitempty"`
	Weights   map[string]float64 `json:"weights,omitempty"` // ticker or child-id -> weight
	Conditions []Condition       `json:"conditions,omitempty"`
	Function  *FunctionSpec      `json:"function,omitempty"`
	Children  map[string][]*Node `json:"children,omitempty"`
}

// Slot returns the children under one slot (nil-safe).
func (n *Node) Slot(slot string) []*Node {
	if n.Children == nil {
		return nil
	}
	return n.Children[slot]
}

// SetSlot replaces the children under one slot, dropping the slot when
// the list is empty.
func (n *Node) SetSlot(slot string, children []*Node) {
	if len(children) == 0 {
		if n.Children != nil {
			delete(n.Children, slot)
		}
		return
	}
	if n.Children == nil {
		n.Children = make(map[string][]*Node)
	}
	n.Children[slot] = children
}

// RealTickers returns the node's tickers with Empty placeholders removed.
func (n *Node) RealTickers() []string {
	out := make([]string, 0, len(n.Tickers))
	for _, t := range n.Tickers {
		if t != "" && t != EmptyTicker {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the tree for structural defects: duplicate ids,
// unknown kinds, unknown weight modes or comparators, and missing
// required slots. It walks the whole tree once.
func Validate(root *Node) error {
	if root == nil {
		return domain.NewError(domain.KindStructural, "empty tree")
	}
	seen := make(map[string]bool)
	return validateNode(root, seen)
}

func validateNode(n *Node, seen map[string]bool) error {
	if n.ID == "" {
		return domain.NewError(domain.KindStructural, "node without id")
	}
	if seen[n.ID] {
		return domain.NewError(domain.KindStructural, "duplicate node id").WithNode(n.ID)
	}
	seen[n.ID] = true

	switch n.Kind {
	case KindPosition:
		if len(n.Children) > 0 {
			return domain.NewError(domain.KindStructural, "position node must not have children").WithNode(n.ID)
		}
		if err := validateWeighting(n); err != nil {
			return err
		}

	case KindBasic:
		if err := validateWeighting(n); err != nil {
			return err
		}

	case KindIndicator:
		if len(n.Conditions) == 0 {
			return domain.NewError(domain.KindStructural, "indicator node without conditions").WithNode(n.ID)
		}
		for i := range n.Conditions {
			if err := validateCondition(&n.Conditions[i], n.ID); err != nil {
				return err
			}
		}

	case KindFunction:
		if n.Function == nil {
			return domain.NewError(domain.KindStructural, "function node without function spec").WithNode(n.ID)
		}
		if err := validateFunction(n); err != nil {
			return err
		}

	default:
		return domain.NewError(domain.KindStructural, "unknown node kind %q", n.Kind).WithNode(n.ID)
	}

	for _, slot := range []string{SlotNext, SlotThen, SlotElse} {
		for _, child := range n.Slot(slot) {
			if child == nil {
				return domain.NewError(domain.KindStructural, "nil child in slot %s", slot).WithNode(n.ID)
			}
			if err := validateNode(child, seen); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateWeighting(n *Node) error {
	switch n.Weighting {
	case WeightEqual, WeightInverseVol, WeightMarketCap, "":
		return nil
	case WeightUser:
		if len(n.Weights) == 0 {
			return domain.NewError(domain.KindConfig, "user weighting requires explicit weights").WithNode(n.ID)
		}
		for key, w := range n.Weights {
			if w < 0 {
				return domain.NewError(domain.KindConfig, "negative weight %f for %s", w, key).WithNode(n.ID)
			}
		}
		return nil
	default:
		return domain.NewError(domain.KindConfig, "unknown weighting %q", n.Weighting).WithNode(n.ID)
	}
}

func validateCondition(c *Condition, nodeID string) error {
	switch c.Compare {
	case CmpLT, CmpGT, CmpCrossAbove, CmpCrossBelow:
	default:
		return domain.NewError(domain.KindConfig, "unknown comparator %q", c.Compare).WithNode(nodeID)
	}
	if c.Ticker == "" {
		return domain.NewError(domain.KindConfig, "condition without ticker").WithNode(nodeID)
	}
	if !c.IsBranchRef() {
		if _, err := indicators.Lookback(c.Indicator, c.Window); err != nil {
			return domain.WrapError(domain.KindConfig, err, "bad condition indicator").WithNode(nodeID)
		}
	}
	if c.RHS != nil {
		if _, err := indicators.Lookback(c.RHS.Indicator, c.RHS.Window); err != nil {
			return domain.WrapError(domain.KindConfig, err, "bad condition rhs indicator").WithNode(nodeID)
		}
	}
	switch c.Logic {
	case "", "and", "or":
	default:
		return domain.NewError(domain.KindConfig, "unknown condition logic %q", c.Logic).WithNode(nodeID)
	}
	return nil
}

func validateFunction(n *Node) error {
	f := n.Function
	switch f.Name {
	case FnTop, FnBottom:
		if f.Count < 1 {
			return domain.NewError(domain.KindConfig, "function %s requires count >= 1", f.Name).WithNode(n.ID)
		}
	case FnFilterAbove, FnFilterBelow:
	default:
		return domain.NewError(domain.KindConfig, "unknown function %q", f.Name).WithNode(n.ID)
	}
	if _, err := indicators.Lookback(f.Indicator, f.Window); err != nil {
		return domain.WrapError(domain.KindConfig, err, "bad function indicator").WithNode(n.ID)
	}
	return nil
}

// CountNodes returns the number of nodes in the tree.
func CountNodes(root *Node) int {
	if root == nil {
		return 0
	}
	count := 1
	for _, slot := range []string{SlotNext, SlotThen, SlotElse} {
		for _, child := range root.Slot(slot) {
			count += CountNodes(child)
		}
	}
	return count
}
