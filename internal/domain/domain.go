// Package domain holds the data model shared by every component: Symbol,
// Quote, Position, BrokerState, AllocationMap, CircuitBreakerState,
// AgentRecord, and UsageLedger, together with the invariants their
// constructors and mutators enforce.
package domain

import (
	"strings"
	"time"
)

// Symbol is an opaque instrument identifier. A symbol ending in "-USD" is a
// 24/7 crypto instrument; anything else is a market-hours equity.
type Symbol string

// IsCrypto reports whether s is classified as a 24/7 crypto instrument.
// Classification affects only cooldown length, minimum trade size, and
// data-source routing, never order validity.
func (s Symbol) IsCrypto() bool {
	return strings.HasSuffix(string(s), "-USD")
}

// QuoteSource identifies which provider produced a Quote.
type QuoteSource string

// Quote is a priced observation of a Symbol at a point in time.
type Quote struct {
	FetchedAt time.Time
	Symbol    Symbol
	Source    QuoteSource
	Price     float64
	Bid       float64
	Ask       float64
	HasBidAsk bool
}

// Stale reports whether the quote is older than maxAge relative to now.
func (q Quote) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(q.FetchedAt) > maxAge
}

// NewQuote constructs a Quote, enforcing the price > 0 invariant. Callers
// (broker/provider adapters) must check ok before using the result; a
// provider returning a non-positive price yields no quote at all.
func NewQuote(symbol Symbol, price float64, source QuoteSource, fetchedAt time.Time) (Quote, bool) {
	if price <= 0 {
		return Quote{}, false
	}
	return Quote{
		Symbol:    symbol,
		Price:     price,
		Source:    source,
		FetchedAt: fetchedAt,
	}, true
}

// Position is a held quantity of a Symbol. A Position with Qty == 0 is
// indistinguishable from "no position"; the BrokerState.Positions map never
// holds zero-qty entries (see BrokerState.SetPosition).
type Position struct {
	LastTradeAt time.Time
	Symbol      Symbol
	Qty         float64
	AvgPrice    float64
}

// BrokerState is the durable record of cash and open positions. Equity is
// cached and recomputed from cash and the cached last price of each
// position; a position with no cached last price yet is valued at its
// AvgPrice.
type BrokerState struct {
	Positions     map[Symbol]Position `json:"positions"`
	LastPrice     map[Symbol]float64  `json:"last_price"`
	UpdatedAt     time.Time           `json:"updated_at"`
	Cash          float64             `json:"cash"`
	EquityCached  float64             `json:"equity_cached"`
	TestTradeDone bool                `json:"test_trade_executed"`
}

// NewBrokerState returns an empty BrokerState holding startingCash, ready
// for use.
func NewBrokerState(startingCash float64) *BrokerState {
	return &BrokerState{
		Cash:         startingCash,
		EquityCached: startingCash,
		Positions:    make(map[Symbol]Position),
		LastPrice:    make(map[Symbol]float64),
	}
}

// SetPosition stores pos, deleting the map entry entirely when Qty rounds to
// zero so that "no position" has exactly one representation.
func (b *BrokerState) SetPosition(pos Position) {
	if isZero(pos.Qty) {
		delete(b.Positions, pos.Symbol)
		return
	}
	b.Positions[pos.Symbol] = pos
}

// GetPosition returns the position for symbol, or a zero-qty Position if
// absent; callers must not distinguish the two cases.
func (b *BrokerState) GetPosition(symbol Symbol) Position {
	if p, ok := b.Positions[symbol]; ok {
		return p
	}
	return Position{Symbol: symbol}
}

// RecordPrice updates the cached last-known price for symbol and
// recalculates EquityCached from cash + Σ(qty × last price), valuing a
// position with no cached last price at its AvgPrice; this is the only path
// by which equity changes.
func (b *BrokerState) RecordPrice(symbol Symbol, price float64) {
	if price <= 0 {
		return
	}
	b.LastPrice[symbol] = price
	b.recomputeEquity()
}

func (b *BrokerState) recomputeEquity() {
	equity := b.Cash
	for sym, pos := range b.Positions {
		if price, ok := b.LastPrice[sym]; ok {
			equity += pos.Qty * price
		} else {
			equity += pos.Qty * pos.AvgPrice
		}
	}
	b.EquityCached = equity
}

func isZero(qty float64) bool {
	const epsilon = 1e-9
	return qty > -epsilon && qty < epsilon
}

// AllocationMap is a read-only view of Symbol → target fraction of
// portfolio value, written by an external allocator.
type AllocationMap map[Symbol]float64

// Sum returns the total of all fractions in the map.
func (a AllocationMap) Sum() float64 {
	var total float64
	for _, v := range a {
		total += v
	}
	return total
}

// BreakerState is one of the three states a CircuitBreaker can occupy.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerState is a snapshot of a named breaker's condition, used for
// observability only; the authoritative state lives in the breaker.Registry.
type CircuitBreakerState struct {
	LastFailureAt           time.Time
	Name                    string
	State                   BreakerState
	FailureCount            int
	SuccessCountInHalfOpen  int
}

// AgentRecord is the Supervisor's bookkeeping for one managed child process.
// It never leaves the Supervisor process; children know only their own
// LogPath.
type AgentRecord struct {
	StartedAt      time.Time
	Name           string
	Command        string
	Args           []string
	LogPath        string
	LockPath       string
	PID            int
	RestartCount   int
	LastExitCode   int
	BackoffSeconds float64
	Required       bool
	Priority       int
}

// Environment identifies which deployment environment is currently serving
// traffic.
type Environment string

const (
	EnvironmentPrimary  Environment = "PRIMARY"
	EnvironmentFailover Environment = "FAILOVER"
)

// UsageLedger tracks compute-hour usage against a monthly budget for the
// cloud-failover orchestrator.
type UsageLedger struct {
	PeriodStart            time.Time   `json:"period_start"`
	LastSwitchAt           time.Time   `json:"last_switch_at"`
	ActiveEnvironment      Environment `json:"active_environment"`
	PrimaryHoursUsedPeriod float64     `json:"primary_hours_used_this_period"`
}
