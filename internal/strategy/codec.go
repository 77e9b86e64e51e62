package strategy

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/aristath/forge/internal/domain"
)

// gzipMagic is the two-byte header of a gzip stream.
var gzipMagic = []byte{0x1f, 0x8b}

// DecodePayload parses a serialized strategy tree. Payloads may be
// stored gzip-compressed; plain JSON is accepted as-is. The decoded
// tree is validated before it is returned.
func DecodePayload(payload []byte) (*Node, error) {
	if len(payload) == 0 {
		return nil, domain.NewError(domain.KindStructural, "empty payload")
	}

	if bytes.HasPrefix(payload, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, domain.WrapError(domain.KindStructural, err, "failed to open gzip payload")
		}
		defer zr.Close()

		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, domain.WrapError(domain.KindStructural, err, "failed to decompress payload")
		}
	}

	var root Node
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, domain.WrapError(domain.KindStructural, err, "failed to parse strategy payload")
	}

	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// EncodePayload serializes a tree to gzip-compressed JSON, the at-rest
// storage form.
func EncodePayload(root *Node) ([]byte, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal strategy tree: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress strategy payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compressing strategy payload: %w", err)
	}
	return buf.Bytes(), nil
}

// PayloadHash computes the content address of a strategy under given
// evaluation settings: sha256 over the canonical JSON of the normalized
// tree plus mode and cost, truncated to 16 hex characters.
//
// Normalization keeps only semantic fields. Cosmetic fields (ids,
// titles) do not change the hash, so renaming nodes in the editor does
// not invalidate cached results.
func PayloadHash(root *Node, mode string, costBps float64) (string, error) {
	canonical := map[string]interface{}{
		"tree":    normalizeNode(root),
		"mode":    mode,
		"costBps": costBps,
	}

	// encoding/json sorts map keys, which makes the output canonical.
	raw, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to marshal canonical payload: %w", err)
	}

	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16], nil
}

func normalizeNode(n *Node) map[string]interface{} {
	if n == nil {
		return nil
	}

	out := map[string]interface{}{"kind": string(n.Kind)}

	if tickers := n.RealTickers(); len(tickers) > 0 {
		sorted := make([]string, len(tickers))
		copy(sorted, tickers)
		sort.Strings(sorted)
		out["tickers"] = sorted
	}
	if n.Weighting != "" {
		out["weighting"] = string(n.Weighting)
	}
	if len(n.Weights) > 0 {
		out["weights"] = n.Weights
	}
	if len(n.Conditions) > 0 {
		conds := make([]map[string]interface{}, 0, len(n.Conditions))
		for i := range n.Conditions {
			conds = append(conds, normalizeCondition(&n.Conditions[i]))
		}
		out["conditions"] = conds
	}
	if n.Function != nil {
		out["function"] = map[string]interface{}{
			"name":      n.Function.Name,
			"indicator": n.Function.Indicator,
			"window":    n.Function.Window,
			"count":     n.Function.Count,
			"threshold": n.Function.Threshold,
		}
	}

	children := map[string]interface{}{}
	for _, slot := range []string{SlotNext, SlotThen, SlotElse} {
		nodes := n.Slot(slot)
		if len(nodes) == 0 {
			continue
		}
		list := make([]map[string]interface{}, 0, len(nodes))
		for _, child := range nodes {
			list = append(list, normalizeNode(child))
		}
		children[slot] = list
	}
	if len(children) > 0 {
		out["children"] = children
	}

	return out
}

func normalizeCondition(c *Condition) map[string]interface{} {
	out := map[string]interface{}{
		"ticker":    c.Ticker,
		"indicator": c.Indicator,
		"window":    c.Window,
		"compare":   c.Compare,
		"value":     c.Value,
	}
	if c.RHS != nil {
		out["rhs"] = map[string]interface{}{
			"ticker":    c.RHS.Ticker,
			"indicator": c.RHS.Indicator,
			"window":    c.RHS.Window,
		}
	}
	if c.Logic != "" && c.Logic != "and" {
		out["logic"] = c.Logic
	}
	if c.OrGroup != 0 {
		out["orGroup"] = c.OrGroup
	}
	return out
}
