package strategy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/aristath/forge/internal/domain"
)

// Compressed is the output of Compress: the rewritten tree plus the
// per-node metadata the evaluator consumes.
type Compressed struct {
	Tree            *Node
	TickerLocations map[string][]string // node id -> tickers reachable from it
	StaticNodes     map[string]bool     // node ids whose allocation never depends on conditions
	Stats           domain.CompressionStats
}

// Compress validates and rewrites a tree into a semantically equivalent
// smaller one. The input is never mutated. Compression is deterministic
// and idempotent.
func Compress(root *Node) (*Compressed, error) {
	if err := Validate(root); err != nil {
		return nil, err
	}

	originalNodes := CountNodes(root)

	tree := Clone(root)
	tree = pruneEmpty(tree)
	if tree == nil {
		return nil, domain.NewError(domain.KindStructural, "tree is empty after pruning")
	}
	tree = collapseSingleChildren(tree)
	merges := mergeGateChains(tree)

	compressedNodes := CountNodes(tree)

	c := &Compressed{
		Tree:            tree,
		TickerLocations: make(map[string][]string),
		StaticNodes:     make(map[string]bool),
		Stats: domain.CompressionStats{
			OriginalNodes:    originalNodes,
			CompressedNodes:  compressedNodes,
			NodesRemoved:     originalNodes - compressedNodes,
			GateChainsMerged: merges,
		},
	}
	collectLocations(tree, c.TickerLocations)
	collectStatic(tree, c.StaticNodes)

	return c, nil
}

// Clone produces an independent deep copy of a tree.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}

	out := &Node{
		ID:        n.ID,
		Kind:      n.Kind,
		Title:     n.Title,
		Weighting: n.Weighting,
	}
	if len(n.Tickers) > 0 {
		out.Tickers = append([]string(nil), n.Tickers...)
	}
	if len(n.Weights) > 0 {
		out.Weights = make(map[string]float64, len(n.Weights))
		for k, v := range n.Weights {
			out.Weights[k] = v
		}
	}
	if len(n.Conditions) > 0 {
		out.Conditions = make([]Condition, len(n.Conditions))
		copy(out.Conditions, n.Conditions)
		for i := range out.Conditions {
			if rhs := n.Conditions[i].RHS; rhs != nil {
				cp := *rhs
				out.Conditions[i].RHS = &cp
			}
		}
	}
	if n.Function != nil {
		fn := *n.Function
		out.Function = &fn
	}
	for slot, children := range n.Children {
		cloned := make([]*Node, 0, len(children))
		for _, child := range children {
			cloned = append(cloned, Clone(child))
		}
		out.SetSlot(slot, cloned)
	}
	return out
}

// pruneEmpty removes empty subtrees, returning nil when the node itself
// is empty. A position is empty when it has no real tickers; a
// non-terminal is empty when every reachable descendant is.
func pruneEmpty(n *Node) *Node {
	if n == nil {
		return nil
	}

	switch n.Kind {
	case KindPosition:
		real := n.RealTickers()
		if len(real) == 0 {
			return nil
		}
		n.Tickers = real
		return n

	case KindBasic, KindFunction:
		kept := pruneChildren(n.Slot(SlotNext))
		n.SetSlot(SlotNext, kept)
		if len(kept) == 0 {
			return nil
		}
		return n

	case KindIndicator:
		thenKept := pruneChildren(n.Slot(SlotThen))
		elseKept := pruneChildren(n.Slot(SlotElse))
		n.SetSlot(SlotThen, thenKept)
		n.SetSlot(SlotElse, elseKept)
		if len(thenKept) == 0 && len(elseKept) == 0 {
			return nil
		}
		return n
	}
	return n
}

func pruneChildren(children []*Node) []*Node {
	var kept []*Node
	for _, child := range children {
		if pruned := pruneEmpty(child); pruned != nil {
			kept = append(kept, pruned)
		}
	}
	return kept
}

// collapseSingleChildren replaces equal-weighted basic nodes that wrap a
// single child with the child itself. Function nodes are never
// collapsed, their post-processing is semantic.
func collapseSingleChildren(n *Node) *Node {
	if n == nil {
		return nil
	}

	for slot, children := range n.Children {
		collapsed := make([]*Node, 0, len(children))
		for _, child := range children {
			collapsed = append(collapsed, collapseSingleChildren(child))
		}
		n.SetSlot(slot, collapsed)
	}

	if n.Kind == KindBasic && (n.Weighting == WeightEqual || n.Weighting == "") {
		if next := n.Slot(SlotNext); len(next) == 1 {
			return next[0]
		}
	}
	return n
}

// mergeGateChains absorbs `else` chains of gates whose `then` branches
// are structurally identical. Each absorbed gate's conditions join the
// outer gate as a fresh OR-group; the outer gate's else becomes the
// absorbed gate's else. Returns the number of merges performed.
func mergeGateChains(n *Node) int {
	if n == nil {
		return 0
	}

	merges := 0
	if n.Kind == KindIndicator {
		for {
			elseChildren := n.Slot(SlotElse)
			if len(elseChildren) != 1 || elseChildren[0].Kind != KindIndicator {
				break
			}
			nested := elseChildren[0]
			if hashNodes(n.Slot(SlotThen)) != hashNodes(nested.Slot(SlotThen)) {
				break
			}

			// Absorb: the nested gate's condition groups get fresh ids
			// so their internal and/or structure is preserved while the
			// whole gate ORs with the outer result.
			groupBase := maxOrGroup(n.Conditions)
			remap := make(map[int]int)
			for _, c := range nested.Conditions {
				adopted := c
				fresh, ok := remap[c.OrGroup]
				if !ok {
					groupBase++
					fresh = groupBase
					remap[c.OrGroup] = fresh
				}
				adopted.OrGroup = fresh
				n.Conditions = append(n.Conditions, adopted)
			}

			n.SetSlot(SlotElse, nested.Slot(SlotElse))
			merges++
		}
	}

	for _, slot := range []string{SlotNext, SlotThen, SlotElse} {
		for _, child := range n.Slot(slot) {
			merges += mergeGateChains(child)
		}
	}
	return merges
}

func maxOrGroup(conditions []Condition) int {
	max := 0
	for _, c := range conditions {
		if c.OrGroup > max {
			max = c.OrGroup
		}
	}
	return max
}

// StructuralHash computes a hash over a node's semantic content: kind,
// tickers, weighting, conditions, function and child hashes by slot in
// order. Ids and titles do not participate.
func StructuralHash(n *Node) string {
	raw, err := json.Marshal(normalizeNode(n))
	if err != nil {
		// normalizeNode only emits marshalable types.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func hashNodes(nodes []*Node) string {
	h := sha256.New()
	for _, n := range nodes {
		h.Write([]byte(StructuralHash(n)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// collectLocations builds the node-id -> reachable-tickers map bottom-up.
// A node's set covers its own tickers, tickers named by its conditions
// and function, and everything reachable through its children.
func collectLocations(n *Node, out map[string][]string) map[string]bool {
	if n == nil {
		return nil
	}

	set := make(map[string]bool)
	for _, t := range n.RealTickers() {
		set[t] = true
	}
	for i := range n.Conditions {
		c := &n.Conditions[i]
		if !c.IsBranchRef() {
			set[c.Ticker] = true
		}
		if c.RHS != nil && c.RHS.Ticker != "" && !strings.HasPrefix(c.RHS.Ticker, BranchPrefix) {
			set[c.RHS.Ticker] = true
		}
	}

	for _, slot := range []string{SlotNext, SlotThen, SlotElse} {
		for _, child := range n.Slot(slot) {
			for t := range collectLocations(child, out) {
				set[t] = true
			}
		}
	}

	tickers := make([]string, 0, len(set))
	for t := range set {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	out[n.ID] = tickers

	return set
}

// collectStatic records nodes whose allocation cannot depend on the
// date's conditions: positions, and basic nodes whose children are all
// static. Gates and functions are never static.
func collectStatic(n *Node, out map[string]bool) bool {
	if n == nil {
		return false
	}

	static := false
	switch n.Kind {
	case KindPosition:
		static = true
	case KindBasic:
		static = true
		for _, child := range n.Slot(SlotNext) {
			if !collectStatic(child, out) {
				static = false
			}
		}
	default:
		// Still walk children so nested statics are recorded.
		for _, slot := range []string{SlotNext, SlotThen, SlotElse} {
			for _, child := range n.Slot(slot) {
				collectStatic(child, out)
			}
		}
	}

	if static {
		out[n.ID] = true
	}
	return static
}
