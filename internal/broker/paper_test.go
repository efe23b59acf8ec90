package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

func newTestBroker(startingCash float64, lookup QuoteLookup) *PaperBroker {
	state := domain.NewBrokerState(startingCash)
	return NewPaperBroker(state, lookup, zerolog.Nop())
}

func fixedQuote(price float64) QuoteLookup {
	return func(ctx context.Context, symbol domain.Symbol) (domain.Quote, bool) {
		return domain.Quote{Symbol: symbol, Price: price, Source: "test", FetchedAt: time.Now()}, true
	}
}

func TestPaperBroker_BuyThenSell_WeightedAverageCost(t *testing.T) {
	b := newTestBroker(10000, fixedQuote(100))

	_, err := b.SubmitOrder(context.Background(), "AAPL", Buy, 10, nil)
	require.NoError(t, err)

	b.quoteLookup = fixedQuote(200)
	_, err = b.SubmitOrder(context.Background(), "AAPL", Buy, 10, nil)
	require.NoError(t, err)

	pos := b.GetPosition("AAPL")
	assert.Equal(t, 20.0, pos.Qty)
	assert.InDelta(t, 150.0, pos.AvgPrice, 0.001)
}

func TestPaperBroker_Sell_RealizesPnLAndClosesPosition(t *testing.T) {
	b := newTestBroker(10000, fixedQuote(100))
	_, err := b.SubmitOrder(context.Background(), "AAPL", Buy, 10, nil)
	require.NoError(t, err)

	b.quoteLookup = fixedQuote(150)
	receipt, err := b.SubmitOrder(context.Background(), "AAPL", Sell, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, "quote_mid", receipt.PriceSource)

	pos := b.GetPosition("AAPL")
	assert.Equal(t, 0.0, pos.Qty, "fully closed position must be deleted (zero qty)")
	assert.InDelta(t, 10500.0, b.GetCash(), 0.001, "cash must reflect 10000 - 1000 + 1500")
}

func TestPaperBroker_SubmitOrder_RejectsInsufficientFunds(t *testing.T) {
	b := newTestBroker(50, fixedQuote(100))
	_, err := b.SubmitOrder(context.Background(), "AAPL", Buy, 10, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestPaperBroker_SubmitOrder_RejectsNonPositiveQty(t *testing.T) {
	b := newTestBroker(1000, fixedQuote(100))
	_, err := b.SubmitOrder(context.Background(), "AAPL", Buy, 0, nil)
	require.Error(t, err)
}

func TestPaperBroker_ResolveFillPrice_LimitPriceTakesPriority(t *testing.T) {
	b := newTestBroker(10000, fixedQuote(100))
	limit := 77.0
	price, source := b.resolveFillPrice(context.Background(), "AAPL", &limit)
	assert.Equal(t, 77.0, price)
	assert.Equal(t, "limit_price", source)
}

func TestPaperBroker_ResolveFillPrice_FallsBackToLastPriceThenAvgPrice(t *testing.T) {
	b := newTestBroker(10000, nil)
	price, source := b.resolveFillPrice(context.Background(), "AAPL", nil)
	assert.Equal(t, 0.0, price)
	assert.Equal(t, "none", source)

	b.state.RecordPrice("AAPL", 42)
	price, source = b.resolveFillPrice(context.Background(), "AAPL", nil)
	assert.Equal(t, 42.0, price)
	assert.Equal(t, "last_price", source)
}

func TestPaperBroker_ShortSaleThenCover_RealizesPnLOnClosingBuy(t *testing.T) {
	b := newTestBroker(10000, fixedQuote(100))
	_, err := b.SubmitOrder(context.Background(), "TSLA", Sell, 5, nil)
	require.NoError(t, err)

	pos := b.GetPosition("TSLA")
	assert.Equal(t, -5.0, pos.Qty)

	b.quoteLookup = fixedQuote(60)
	_, err = b.SubmitOrder(context.Background(), "TSLA", Buy, 5, nil)
	require.NoError(t, err)

	pos = b.GetPosition("TSLA")
	assert.Equal(t, 0.0, pos.Qty, "covered short must be fully closed")
}
