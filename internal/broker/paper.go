package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// QuoteLookup returns the freshest known quote for symbol, if any. The
// paper broker uses it to pick a fill price without owning a dependency on
// the quote service itself.
type QuoteLookup func(ctx context.Context, symbol domain.Symbol) (domain.Quote, bool)

// PaperBroker simulates fills against an in-memory BrokerState: cash moves
// by qty × fill price, adds on the same side average into the cost basis,
// opposite-side fills realize P&L on the closed portion, and a full close
// deletes the position record.
type PaperBroker struct {
	state       *domain.BrokerState
	quoteLookup QuoteLookup
	log         zerolog.Logger
	mu          sync.Mutex
}

// NewPaperBroker wraps state (loaded from disk by the caller, or freshly
// created) in a PaperBroker. quoteLookup may be nil, in which case fills
// fall back to last-known-price / avg-price.
func NewPaperBroker(state *domain.BrokerState, quoteLookup QuoteLookup, log zerolog.Logger) *PaperBroker {
	return &PaperBroker{
		state:       state,
		quoteLookup: quoteLookup,
		log:         log.With().Str("component", "paper_broker").Logger(),
	}
}

// State exposes the underlying BrokerState for snapshotting by the caller.
func (p *PaperBroker) State() *domain.BrokerState {
	return p.state
}

// FetchQuote is a convenience passthrough used only by the self-test probe;
// production quote flow goes through the quote.Service, not the broker.
func (p *PaperBroker) FetchQuote(ctx context.Context, symbol domain.Symbol) (domain.Quote, error) {
	if p.quoteLookup == nil {
		return domain.Quote{}, fmt.Errorf("%w: no quote source configured", ErrUpstreamUnavailable)
	}
	q, ok := p.quoteLookup(ctx, symbol)
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, symbol)
	}
	return q, nil
}

// SubmitOrder fills qty of symbol at a simulated price.
func (p *PaperBroker) SubmitOrder(ctx context.Context, symbol domain.Symbol, side Side, qty float64, limitPrice *float64) (OrderReceipt, error) {
	if qty <= 0 {
		return OrderReceipt{}, fmt.Errorf("%w: qty must be positive", ErrUpstreamRejected)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fillPrice, source := p.resolveFillPrice(ctx, symbol, limitPrice)
	if fillPrice <= 0 {
		return OrderReceipt{}, fmt.Errorf("%w: no price available for %s", ErrUpstreamUnavailable, symbol)
	}

	pos := p.state.GetPosition(symbol)
	var realizedPnL float64

	switch side {
	case Buy:
		cost := qty * fillPrice
		if p.state.Cash < cost {
			return OrderReceipt{}, fmt.Errorf("%w: need %.2f have %.2f", ErrInsufficientFunds, cost, p.state.Cash)
		}
		p.state.Cash -= cost
		pos, realizedPnL = applyBuy(pos, symbol, qty, fillPrice)
	case Sell:
		pos, realizedPnL = applySell(&p.state.Cash, pos, symbol, qty, fillPrice)
	default:
		return OrderReceipt{}, fmt.Errorf("%w: unknown side %q", ErrUpstreamRejected, side)
	}

	pos.LastTradeAt = time.Now()
	p.state.SetPosition(pos)
	p.state.RecordPrice(symbol, fillPrice)

	receipt := OrderReceipt{
		OrderID:     uuid.New().String(),
		Symbol:      symbol,
		Side:        side,
		FillPrice:   fillPrice,
		FillQty:     qty,
		PriceSource: source,
		RealizedPnL: realizedPnL,
	}

	p.log.Info().
		Str("symbol", string(symbol)).
		Str("side", string(side)).
		Float64("qty", qty).
		Float64("fill_price", fillPrice).
		Float64("realized_pnl", realizedPnL).
		Str("price_source", source).
		Str("order_id", receipt.OrderID).
		Msg("paper order filled")

	return receipt, nil
}

// applyBuy updates pos for a BUY fill using the weighted-average-cost rule:
// new_avg = (old_qty*old_avg + fill_qty*fill_price) / new_qty. A BUY that
// flips a short position closed realizes P&L on the closed portion before
// averaging the remainder in at the fill price.
func applyBuy(pos domain.Position, symbol domain.Symbol, qty, fillPrice float64) (domain.Position, float64) {
	if pos.Qty >= 0 {
		newQty := pos.Qty + qty
		newAvg := fillPrice
		if pos.Qty > 0 {
			newAvg = (pos.Qty*pos.AvgPrice + qty*fillPrice) / newQty
		}
		return domain.Position{Symbol: symbol, Qty: newQty, AvgPrice: newAvg}, 0
	}

	// Covering a short: the portion up to |pos.Qty| closes the short and
	// realizes P&L at (avg_price - fill_price) * closed_qty (a short profits
	// when price falls); anything beyond opens a new long at fillPrice.
	closedQty := qty
	if closedQty > -pos.Qty {
		closedQty = -pos.Qty
	}
	realizedPnL := (pos.AvgPrice - fillPrice) * closedQty
	remainingBuy := qty - closedQty
	newShortQty := pos.Qty + closedQty // moves toward zero
	if remainingBuy <= 0 {
		return domain.Position{Symbol: symbol, Qty: newShortQty, AvgPrice: pos.AvgPrice}, realizedPnL
	}
	return domain.Position{Symbol: symbol, Qty: remainingBuy, AvgPrice: fillPrice}, realizedPnL
}

// applySell updates pos and cash for a SELL fill, realizing P&L on the
// closed portion at (fill_price - avg_price) * closed_qty and adding
// proceeds to cash. Selling more than the held long opens a short at the
// fill price for the remainder.
func applySell(cash *float64, pos domain.Position, symbol domain.Symbol, qty, fillPrice float64) (domain.Position, float64) {
	*cash += qty * fillPrice

	if pos.Qty <= 0 {
		// Adding to (or opening) a short.
		newQty := pos.Qty - qty
		newAvg := fillPrice
		if pos.Qty < 0 {
			newAvg = (-pos.Qty*pos.AvgPrice + qty*fillPrice) / -newQty
		}
		return domain.Position{Symbol: symbol, Qty: newQty, AvgPrice: newAvg}, 0
	}

	closedQty := qty
	if closedQty > pos.Qty {
		closedQty = pos.Qty
	}
	realizedPnL := (fillPrice - pos.AvgPrice) * closedQty
	remainingSell := qty - closedQty
	newLongQty := pos.Qty - closedQty
	if remainingSell <= 0 {
		return domain.Position{Symbol: symbol, Qty: newLongQty, AvgPrice: pos.AvgPrice}, realizedPnL
	}
	return domain.Position{Symbol: symbol, Qty: -remainingSell, AvgPrice: fillPrice}, realizedPnL
}

// resolveFillPrice picks a positive limit price, then mid-from-fresh-quote,
// then last price, then avg_price, in that order, returning which source was
// used.
func (p *PaperBroker) resolveFillPrice(ctx context.Context, symbol domain.Symbol, limitPrice *float64) (float64, string) {
	if limitPrice != nil && *limitPrice > 0 {
		return *limitPrice, "limit_price"
	}
	if p.quoteLookup != nil {
		if q, ok := p.quoteLookup(ctx, symbol); ok {
			if q.HasBidAsk && q.Bid > 0 && q.Ask > 0 {
				return (q.Bid + q.Ask) / 2, "quote_mid"
			}
			if q.Price > 0 {
				return q.Price, "quote_mid"
			}
		}
	}
	if last, ok := p.state.LastPrice[symbol]; ok && last > 0 {
		return last, "last_price"
	}
	pos := p.state.GetPosition(symbol)
	if pos.AvgPrice > 0 {
		return pos.AvgPrice, "avg_price"
	}
	return 0, "none"
}

func (p *PaperBroker) GetPosition(symbol domain.Symbol) domain.Position {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.GetPosition(symbol)
}

func (p *PaperBroker) GetCash() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Cash
}

func (p *PaperBroker) GetEquity() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.EquityCached
}
