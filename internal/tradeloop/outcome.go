package tradeloop

import (
	"github.com/silverbrook-labs/tradecore/internal/broker"
	"github.com/silverbrook-labs/tradecore/internal/risk"
)

// OutcomeKind classifies what happened to one symbol's tick. An explicit
// result type rather than an error value, so callers can tell a quiet
// market from a broken system: skips and policy denials are recorded in
// separate counters from faults.
type OutcomeKind int

const (
	// OutcomeOk means an order was submitted and filled.
	OutcomeOk OutcomeKind = iota
	// OutcomeNoAction means the tick produced no order for a benign reason
	// (HOLD vote, quote unavailable, sizing below threshold), never
	// counted as a failure.
	OutcomeNoAction
	// OutcomePolicyDenied means the risk gate or a circuit breaker refused
	// the order; normal control flow, not a fault.
	OutcomePolicyDenied
	// OutcomeUpstreamFailed means the broker call itself failed, or the quote
	// went stale before execution; fed into the breaker and per-symbol backoff.
	OutcomeUpstreamFailed
	// OutcomeFatal means a programming error occurred inside the atomic
	// execution block; the breaker records a failure and the symbol goes
	// under backoff, but the process continues.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeNoAction:
		return "no_action"
	case OutcomePolicyDenied:
		return "policy_denied"
	case OutcomeUpstreamFailed:
		return "upstream_failed"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of one symbol's tick.
type Outcome struct {
	Err     error
	Receipt *broker.OrderReceipt
	Reason  risk.Reason
	Kind    OutcomeKind
}
