package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSymbol_IsCrypto(t *testing.T) {
	assert.True(t, Symbol("BTC-USD").IsCrypto())
	assert.False(t, Symbol("SPY").IsCrypto())
	assert.False(t, Symbol("AAPL").IsCrypto())
}

func TestNewQuote_RejectsNonPositivePrice(t *testing.T) {
	_, ok := NewQuote("BTC-USD", 0, "primary", time.Now())
	assert.False(t, ok)

	_, ok = NewQuote("BTC-USD", -5, "primary", time.Now())
	assert.False(t, ok)

	q, ok := NewQuote("BTC-USD", 100, "primary", time.Now())
	require.True(t, ok)
	assert.Equal(t, 100.0, q.Price)
}

func TestQuote_Stale(t *testing.T) {
	now := time.Now()
	q := Quote{FetchedAt: now.Add(-90 * time.Second)}
	assert.True(t, q.Stale(now, 60*time.Second))
	assert.False(t, q.Stale(now, 120*time.Second))
}

func TestBrokerState_ZeroQtyPositionIsDeleted(t *testing.T) {
	bs := NewBrokerState(10000)
	bs.SetPosition(Position{Symbol: "AAPL", Qty: 10, AvgPrice: 100})
	assert.Len(t, bs.Positions, 1)

	bs.SetPosition(Position{Symbol: "AAPL", Qty: 0, AvgPrice: 100})
	assert.Len(t, bs.Positions, 0)

	// A zero-qty position reads identically to no position at all.
	p := bs.GetPosition("AAPL")
	assert.Equal(t, 0.0, p.Qty)
}

func TestBrokerState_EquityInvariant(t *testing.T) {
	bs := NewBrokerState(10000)
	bs.SetPosition(Position{Symbol: "AAPL", Qty: 10, AvgPrice: 100})
	bs.Cash -= 1000

	bs.RecordPrice("AAPL", 110)

	expected := bs.Cash + 10*110
	assert.InDelta(t, expected, bs.EquityCached, 1e-6)
}

func TestBrokerState_EquityNeverUsesAvgPriceWhenFreshPriceKnown(t *testing.T) {
	bs := NewBrokerState(0)
	bs.SetPosition(Position{Symbol: "BTC-USD", Qty: 1, AvgPrice: 50000})
	bs.RecordPrice("BTC-USD", 60000)

	// Equity must reflect the fresh quote, not the stale average cost.
	assert.InDelta(t, 60000, bs.EquityCached, 1e-6)
}

func TestAllocationMap_Sum(t *testing.T) {
	m := AllocationMap{"BTC-USD": 0.5, "AAPL": 0.3}
	assert.InDelta(t, 0.8, m.Sum(), 1e-9)
}

func TestBreakerState_String(t *testing.T) {
	assert.Equal(t, "CLOSED", BreakerClosed.String())
	assert.Equal(t, "OPEN", BreakerOpen.String())
	assert.Equal(t, "HALF_OPEN", BreakerHalfOpen.String())
}
