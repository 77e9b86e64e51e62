package domain

import "fmt"

// ErrorKind classifies failures so callers can map them to responses.
type ErrorKind string

const (
	// KindStructural - malformed strategy tree (cycles, bad slots, unknown node kinds)
	KindStructural ErrorKind = "structural-error"
	// KindConfig - invalid parameters (unknown indicator, bad window, bad weight mode)
	KindConfig ErrorKind = "config-error"
	// KindDataMissing - a referenced ticker has no price history at all
	KindDataMissing ErrorKind = "data-missing"
	// KindDataInsufficient - history exists but is too short to evaluate
	KindDataInsufficient ErrorKind = "data-insufficient"
	// KindEvaluator - internal failure during evaluation
	KindEvaluator ErrorKind = "evaluator-error"
	// KindCache - result-cache I/O failure (always recoverable, never fatal)
	KindCache ErrorKind = "cache-error"
)

// Error is the engine's typed error. It carries enough context for the
// HTTP layer to produce a useful response without string matching.
type Error struct {
	Kind    ErrorKind
	Message string
	NodeID  string // offending node, when known
	Ticker  string // offending ticker, when known
	Err     error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.NodeID != "" {
		msg += fmt.Sprintf(" (node %s)", e.NodeID)
	}
	if e.Ticker != "" {
		msg += fmt.Sprintf(" (ticker %s)", e.Ticker)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind and message.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithNode attaches the offending node id.
func (e *Error) WithNode(id string) *Error {
	e.NodeID = id
	return e
}

// WithTicker attaches the offending ticker.
func (e *Error) WithTicker(ticker string) *Error {
	e.Ticker = ticker
	return e
}
