package tradeloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

func TestRebalanceStrategy_VotesBuyWhenUnderTarget(t *testing.T) {
	s := RebalanceStrategy{}
	q := domain.Quote{Price: 100}
	pos := domain.Position{Qty: 0}
	vote := s.Evaluate(context.Background(), "SPY", q, pos, 1000, 0.95, 0.0001)
	assert.Equal(t, VoteBuy, vote)
}

func TestRebalanceStrategy_HoldsWhenAtTarget(t *testing.T) {
	s := RebalanceStrategy{}
	q := domain.Quote{Price: 100}
	pos := domain.Position{Qty: 10} // current value 1000, at target
	vote := s.Evaluate(context.Background(), "SPY", q, pos, 1000, 0.95, 0.0001)
	assert.Equal(t, VoteHold, vote)
}

func TestRebalanceStrategy_SellsWhenTargetCollapsedToZero(t *testing.T) {
	s := RebalanceStrategy{}
	q := domain.Quote{Price: 100}
	pos := domain.Position{Qty: 5}
	vote := s.Evaluate(context.Background(), "SPY", q, pos, 0, 0.95, 0.0001)
	assert.Equal(t, VoteSell, vote)
}

func TestLatestRSI_NeutralWithoutEnoughHistory(t *testing.T) {
	assert.Equal(t, 50.0, latestRSI(nil))
	assert.Equal(t, 50.0, latestRSI([]float64{100}))

	short := make([]float64, rsiWindow) // one sample shy of a defined value
	for i := range short {
		short[i] = 100 + float64(i)
	}
	assert.Equal(t, 50.0, latestRSI(short))
}

func TestLatestRSI_AllGainsIsOverbought(t *testing.T) {
	prices := make([]float64, rsiWindow+6)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	assert.InDelta(t, 100.0, latestRSI(prices), 1e-6)
}

func TestLatestRSI_AllLossesIsOversold(t *testing.T) {
	prices := make([]float64, rsiWindow+6)
	for i := range prices {
		prices[i] = 200 - float64(i)
	}
	assert.InDelta(t, 0.0, latestRSI(prices), 1e-6)
}

func TestApplyForcedBuyOverride_TriggersOnColdStartCrypto(t *testing.T) {
	vote := applyForcedBuyOverride(VoteHold, "BTC-USD", domain.Position{Qty: 0}, 40, 70, true)
	assert.Equal(t, VoteBuy, vote)
}

func TestApplyForcedBuyOverride_SkipsWhenPositionExists(t *testing.T) {
	vote := applyForcedBuyOverride(VoteHold, "BTC-USD", domain.Position{Qty: 1}, 40, 70, true)
	assert.Equal(t, VoteHold, vote)
}

func TestApplyForcedBuyOverride_SkipsForEquities(t *testing.T) {
	vote := applyForcedBuyOverride(VoteHold, "SPY", domain.Position{Qty: 0}, 40, 70, true)
	assert.Equal(t, VoteHold, vote)
}

func TestApplyForcedBuyOverride_SkipsWhenOverbought(t *testing.T) {
	vote := applyForcedBuyOverride(VoteHold, "BTC-USD", domain.Position{Qty: 0}, 90, 70, true)
	assert.Equal(t, VoteHold, vote)
}

func TestApplyForcedBuyOverride_DisabledByFlag(t *testing.T) {
	vote := applyForcedBuyOverride(VoteHold, "BTC-USD", domain.Position{Qty: 0}, 40, 70, false)
	assert.Equal(t, VoteHold, vote)
}
