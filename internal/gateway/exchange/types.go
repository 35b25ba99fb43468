package exchange

import (
	"errors"
	"fmt"
	"time"
)

// OrderSide is the exchange-level side of an order (distinct from a
// position's long/short direction).
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// Open reports whether the order can still fill.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// OrderRequest contains parameters for placing an order.
type OrderRequest struct {
	Symbol      string
	Side        OrderSide
	Type        OrderType
	Quantity    float64
	Price       float64 // required for limit orders
	StopPrice   float64 // protective stop trigger, when supported
	TimeInForce string  // "GTC", "IOC", "FOK" (exchange default when empty)
	ClientID    string  // idempotency tag; echoed back by the exchange
}

// Order is the exchange's view of a submitted order. ExecutedQty is always the
// cumulative filled amount reported by the exchange, never a delta.
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Price        float64
	StopPrice    float64
	Quantity     float64
	ExecutedQty  float64
	AvgFillPrice float64
	Fee          float64
	FeeCurrency  string
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FillRatio is ExecutedQty relative to the requested quantity.
func (o Order) FillRatio() float64 {
	if o.Quantity <= 0 {
		return 0
	}
	return o.ExecutedQty / o.Quantity
}

// Balance represents account balance information in quote currency terms.
type Balance struct {
	QuoteCurrency string
	Total         float64
	Available     float64
	Used          float64
	Assets        map[string]float64 // free balance per asset
	UpdatedAt     time.Time
}

type PriceQuote struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	UpdatedAt time.Time
}

// FeeSchedule is the account's current fee tier as decimals
// (0.0026 means 0.26%).
type FeeSchedule struct {
	MakerPct  float64
	TakerPct  float64
	UpdatedAt time.Time
}

// MarketLimits carries the exchange's per-symbol sizing constraints.
// A quantity below MinQuantity (or notional below MinNotional) is dust:
// the exchange will reject an order for it.
type MarketLimits struct {
	MinQuantity float64
	MinNotional float64
	StepSize    float64
	TickSize    float64
}

// Candle is one closed OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Error classification. A definitive error means the exchange rejected the
// request and no order exists; an ambiguous error means the request may or
// may not have reached the books and must be reconciled before the caller
// assumes anything.
var (
	ErrDefinitive = errors.New("definitive exchange failure")
	ErrAmbiguous  = errors.New("ambiguous exchange outcome")
	ErrNotFound   = errors.New("order not found")
)

// Definitive wraps err as a definitive failure.
func Definitive(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDefinitive, fmt.Sprintf(format, args...))
}

// Ambiguous wraps err as an ambiguous outcome.
func Ambiguous(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrAmbiguous, err)
}

func IsDefinitive(err error) bool { return errors.Is(err, ErrDefinitive) }
func IsAmbiguous(err error) bool  { return errors.Is(err, ErrAmbiguous) }
