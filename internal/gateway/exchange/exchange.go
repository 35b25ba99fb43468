// Package exchange defines a common abstraction over spot exchange backends.
// The execution engine only ever talks to this interface, so live, paper and
// test implementations are interchangeable.
package exchange

import "context"

type Exchange interface {
	Name() string

	// PlaceOrder submits an order and returns the exchange's view of it.
	// Errors are classified: see IsDefinitive / IsAmbiguous.
	PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error

	GetOrder(ctx context.Context, symbol, orderID string) (*Order, error)

	ListOpenOrders(ctx context.Context, symbol string) ([]Order, error)

	GetBalance(ctx context.Context) (Balance, error)

	GetPrice(ctx context.Context, symbol string) (PriceQuote, error)

	// TradeFees returns the account's current maker/taker tier.
	TradeFees(ctx context.Context) (FeeSchedule, error)

	// MarketLimits returns minimum sizes and step precision for a symbol.
	MarketLimits(ctx context.Context, symbol string) (MarketLimits, error)
}
