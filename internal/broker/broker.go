// Package broker defines the narrow capability contract the rest of the
// system uses to talk to an execution backend, plus a paper-mode simulator.
// Every upstream failure is wrapped into one of the documented error kinds;
// no broker-specific error type leaks across this interface.
package broker

import (
	"context"
	"errors"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Documented error kinds. Callers switch on errors.Is against these, never
// against a provider-specific type.
var (
	ErrUnknownSymbol       = errors.New("broker: unknown symbol")
	ErrUpstreamUnavailable = errors.New("broker: upstream unavailable")
	ErrRateLimited         = errors.New("broker: rate limited")
	ErrInsufficientFunds   = errors.New("broker: insufficient funds")
	ErrMarketClosed        = errors.New("broker: market closed")
	ErrUpstreamRejected    = errors.New("broker: upstream rejected order")
)

// OrderReceipt is returned on a successful order submission.
type OrderReceipt struct {
	OrderID   string
	Symbol    domain.Symbol
	Side      Side
	FillPrice float64
	FillQty   float64
	// PriceSource records which of "limit_price", "quote_mid", "last_price",
	// or "avg_price" supplied the fill price, so every paper fill is auditable.
	PriceSource string
	// RealizedPnL is the P&L realized by this fill on any closed portion of
	// a prior position; zero for a fill that only opens or adds to one.
	RealizedPnL float64
}

// Broker is the uniform surface the Trade Loop drives. A paper-mode
// simulator and a live upstream adapter both satisfy it identically.
type Broker interface {
	FetchQuote(ctx context.Context, symbol domain.Symbol) (domain.Quote, error)
	SubmitOrder(ctx context.Context, symbol domain.Symbol, side Side, qty float64, limitPrice *float64) (OrderReceipt, error)
	GetPosition(symbol domain.Symbol) domain.Position
	GetCash() float64
	GetEquity() float64
}
