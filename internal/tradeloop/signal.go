package tradeloop

import (
	"context"

	"github.com/markcheno/go-talib"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// Vote is the outcome of evaluating a symbol's configured strategy for one
// tick.
type Vote string

const (
	VoteBuy  Vote = "BUY"
	VoteSell Vote = "SELL"
	VoteHold Vote = "HOLD"
)

// Strategy produces a trading vote for a symbol given its current quote and
// position. This interface is the contract an external strategy plugs into;
// the default implementation below is an allocation-rebalance heuristic
// that votes to move the position toward the sizing target, enough to drive
// the loop end-to-end without any alpha signal of its own.
type Strategy interface {
	Evaluate(ctx context.Context, symbol domain.Symbol, quote domain.Quote, pos domain.Position, targetValue float64, buyThreshold float64, dustThreshold float64) Vote
}

// RebalanceStrategy votes BUY when the held value is materially under the
// sizing target, SELL when there's a non-dust position and the target has
// collapsed toward zero, and HOLD otherwise.
type RebalanceStrategy struct{}

// Evaluate implements Strategy.
func (RebalanceStrategy) Evaluate(_ context.Context, _ domain.Symbol, quote domain.Quote, pos domain.Position, targetVal float64, buyThresh float64, dustThreshold float64) Vote {
	currentValue := pos.Qty * quote.Price

	if currentValue < targetVal*buyThresh {
		return VoteBuy
	}
	if pos.Qty > dustThreshold && targetVal <= 0 {
		return VoteSell
	}
	return VoteHold
}

// rsiWindow is the lookback period for the overbought check used by the
// cold-start override below.
const rsiWindow = 14

// latestRSI returns the most recent RSI over prices (oldest first),
// computed by go-talib with Wilder smoothing. Fewer than rsiWindow+1
// samples leave RSI undefined, so it returns 50 (neutral), which keeps the
// cold-start override armed on a symbol with no price history yet.
func latestRSI(prices []float64) float64 {
	if len(prices) < rsiWindow+1 {
		return 50
	}
	rsi := talib.Rsi(prices, rsiWindow)
	last := rsi[len(rsi)-1]
	if last != last { // NaN
		return 50
	}
	return last
}

// applyForcedBuyOverride is the cold-start bootstrap rule: a 24/7
// instrument with no existing position and an RSI-like indicator below the
// overbought threshold is forced to BUY regardless of the strategy's vote,
// to avoid the deadlock where a SELL vote on a symbol with no position
// simply never trades. Deliberate, and gated behind a feature flag.
func applyForcedBuyOverride(vote Vote, symbol domain.Symbol, pos domain.Position, rsi, overboughtThreshold float64, enabled bool) Vote {
	if !enabled {
		return vote
	}
	if !symbol.IsCrypto() {
		return vote
	}
	if pos.Qty != 0 {
		return vote
	}
	if rsi >= overboughtThreshold {
		return vote
	}
	return VoteBuy
}
