// Package risk implements the synchronous pre-trade risk gate: a check that
// rejects an order for one of five enumerable reasons before it ever
// reaches the broker. Rejections are returned as values, never raised;
// they are ordinary control flow, not faults.
package risk

import (
	"os"
	"time"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// Reason enumerates why the gate rejected an order. Exactly one caused any
// given rejection; the trade loop logs it and moves on to the next symbol.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDailyLossExceeded Reason = "daily_loss_exceeded"
	ReasonDailyTradeCap     Reason = "daily_trade_cap_exceeded"
	ReasonManualHalt        Reason = "manual_halt"
	ReasonCooldown          Reason = "symbol_cooldown"
	ReasonDrawdownCeiling   Reason = "drawdown_ceiling_exceeded"
)

// Limits configures the five rejection conditions.
type Limits struct {
	MaxDailyLossFraction float64
	MaxDailyTrades       int
	DrawdownCeiling      float64
	CooldownCrypto       time.Duration
	CooldownEquity       time.Duration
	HaltFilePath         string
}

// DayState is the running tally the gate evaluates against, reset at the
// start of each trading day by the caller.
type DayState struct {
	DayOpenEquity    float64
	CurrentEquity    float64
	RealizedPnLToday float64
	TradesToday      int
	PeakEquity       float64
}

// Gate is the Risk Gate. It holds no state of its own beyond its Limits:
// DayState and per-symbol last-trade timestamps are supplied by the caller
// on every check, keeping the gate a pure function over explicit inputs.
type Gate struct {
	limits Limits
}

// NewGate builds a Gate from the supplied limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

// Check evaluates all five conditions in a fixed order and returns the
// first that applies, or ReasonNone if the order is admitted.
func (g *Gate) Check(symbol domain.Symbol, day DayState, lastTradeAt time.Time, now time.Time) Reason {
	if day.DayOpenEquity > 0 {
		// Realized plus unrealized: the equity delta since day open captures
		// both, because equity is cached from fresh quotes, never cost basis.
		lossFraction := (day.DayOpenEquity - day.CurrentEquity) / day.DayOpenEquity
		if lossFraction >= g.limits.MaxDailyLossFraction {
			return ReasonDailyLossExceeded
		}
	}

	if day.TradesToday >= g.limits.MaxDailyTrades {
		return ReasonDailyTradeCap
	}

	if g.haltFilePresent() {
		return ReasonManualHalt
	}

	if cooldown := g.cooldownFor(symbol); cooldown > 0 && !lastTradeAt.IsZero() {
		if now.Sub(lastTradeAt) < cooldown {
			return ReasonCooldown
		}
	}

	if day.PeakEquity > 0 {
		drawdown := (day.PeakEquity - day.CurrentEquity) / day.PeakEquity
		if drawdown >= g.limits.DrawdownCeiling {
			return ReasonDrawdownCeiling
		}
	}

	return ReasonNone
}

func (g *Gate) cooldownFor(symbol domain.Symbol) time.Duration {
	if symbol.IsCrypto() {
		return g.limits.CooldownCrypto
	}
	return g.limits.CooldownEquity
}

// haltFilePresent reports whether the manual halt file exists. Any error
// other than "not exist" is treated conservatively as "halted", since a
// risk gate must fail closed.
func (g *Gate) haltFilePresent() bool {
	if g.limits.HaltFilePath == "" {
		return false
	}
	_, err := os.Stat(g.limits.HaltFilePath)
	if err == nil {
		return true
	}
	return !os.IsNotExist(err)
}
