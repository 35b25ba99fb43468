// Package paper implements the exchange interface against in-memory state,
// priced from a real quote source. Orders, balances and fees behave like the
// live venue; nothing ever leaves the process.
package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/logger"
)

// QuoteSource supplies prices and symbol metadata; usually the live gateway
// used read-only.
type QuoteSource interface {
	GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error)
	MarketLimits(ctx context.Context, symbol string) (exchange.MarketLimits, error)
}

// Exchange is the in-memory paper venue.
type Exchange struct {
	quotes QuoteSource
	fees   exchange.FeeSchedule

	mu      sync.Mutex
	orders  map[string]*exchange.Order
	assets  map[string]float64
	quote   string // quote currency, e.g. USDT
	started time.Time
}

// New creates a paper exchange seeded with startingBalance of quoteCurrency.
func New(quotes QuoteSource, quoteCurrency string, startingBalance float64) *Exchange {
	if quoteCurrency == "" {
		quoteCurrency = "USDT"
	}
	return &Exchange{
		quotes: quotes,
		fees:   exchange.FeeSchedule{MakerPct: 0.0016, TakerPct: 0.0026},
		orders: map[string]*exchange.Order{},
		assets: map[string]float64{quoteCurrency: startingBalance},
		quote:  quoteCurrency,
	}
}

func (e *Exchange) Name() string { return "paper" }

func (e *Exchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if req.Quantity <= 0 {
		return nil, exchange.Definitive("quantity must be positive")
	}
	quote, err := e.quotes.GetPrice(ctx, req.Symbol)
	if err != nil {
		return nil, exchange.Ambiguous(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order := &exchange.Order{
		ID:        "paper-" + uuid.NewString()[:8],
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		StopPrice: req.StopPrice,
		Quantity:  req.Quantity,
		Status:    exchange.StatusNew,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	switch req.Type {
	case exchange.Market:
		price := quote.Ask
		if req.Side == exchange.Sell {
			price = quote.Bid
		}
		if price <= 0 {
			price = quote.Last
		}
		if err := e.settleFill(order, price, e.fees.TakerPct); err != nil {
			return nil, err
		}
	case exchange.Limit:
		// Crossing limit fills immediately at the limit price, passive ones
		// rest until MarkToMarket.
		if crossed(req.Side, req.Price, quote.Last) && req.StopPrice == 0 {
			if err := e.settleFill(order, req.Price, e.fees.MakerPct); err != nil {
				return nil, err
			}
		}
	default:
		return nil, exchange.Definitive("unsupported order type %q", req.Type)
	}

	e.orders[order.ID] = order
	logger.Debugf("paper: placed %s %s %s qty=%.8f status=%s",
		order.Symbol, order.Side, order.Type, order.Quantity, order.Status)
	return copyOrder(order), nil
}

// settleFill marks the order filled and moves balances, charging the fee in
// quote currency. Insufficient funds is a definitive rejection.
func (e *Exchange) settleFill(o *exchange.Order, price, feeRate float64) error {
	base := baseAsset(o.Symbol)
	notional := o.Quantity * price
	fee := notional * feeRate

	if o.Side == exchange.Buy {
		if e.assets[e.quote] < notional+fee {
			return exchange.Definitive("insufficient %s: need %.2f, have %.2f",
				e.quote, notional+fee, e.assets[e.quote])
		}
		e.assets[e.quote] -= notional + fee
		e.assets[base] += o.Quantity
	} else {
		if e.assets[base] < o.Quantity {
			return exchange.Definitive("insufficient %s: need %.8f, have %.8f",
				base, o.Quantity, e.assets[base])
		}
		e.assets[base] -= o.Quantity
		e.assets[e.quote] += notional - fee
	}

	o.Status = exchange.StatusFilled
	o.ExecutedQty = o.Quantity
	o.AvgFillPrice = price
	o.Fee = fee
	o.FeeCurrency = e.quote
	o.UpdatedAt = time.Now()
	return nil
}

// MarkToMarket fills resting limit and stop orders that current prices have
// crossed. Call it once per cycle.
func (e *Exchange) MarkToMarket(ctx context.Context) {
	e.mu.Lock()
	open := make([]*exchange.Order, 0)
	for _, o := range e.orders {
		if o.Status.Open() {
			open = append(open, o)
		}
	}
	e.mu.Unlock()

	for _, o := range open {
		quote, err := e.quotes.GetPrice(ctx, o.Symbol)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if o.Status.Open() {
			switch {
			case o.StopPrice > 0 && stopTriggered(o.Side, o.StopPrice, quote.Last):
				if err := e.settleFill(o, quote.Last, e.fees.TakerPct); err != nil {
					logger.Warnf("paper: stop fill %s failed: %v", o.ID, err)
				}
			case o.StopPrice == 0 && crossed(o.Side, o.Price, quote.Last):
				if err := e.settleFill(o, o.Price, e.fees.MakerPct); err != nil {
					logger.Warnf("paper: limit fill %s failed: %v", o.ID, err)
				}
			}
		}
		e.mu.Unlock()
	}
}

func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return nil, exchange.ErrNotFound
	}
	return copyOrder(o), nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok {
		return exchange.Definitive("unknown order %s", orderID)
	}
	if !o.Status.Open() {
		return exchange.Definitive("order %s already %s", orderID, o.Status)
	}
	o.Status = exchange.StatusCanceled
	o.UpdatedAt = time.Now()
	return nil
}

func (e *Exchange) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []exchange.Order
	for _, o := range e.orders {
		if o.Status.Open() && (symbol == "" || o.Symbol == symbol) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (e *Exchange) GetBalance(ctx context.Context) (exchange.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.assets[e.quote]
	for asset, qty := range e.assets {
		if asset == e.quote || qty == 0 {
			continue
		}
		quote, err := e.quotes.GetPrice(ctx, asset+"/"+e.quote)
		if err != nil || quote.Last <= 0 {
			continue
		}
		total += qty * quote.Last
	}
	assets := make(map[string]float64, len(e.assets))
	for k, v := range e.assets {
		assets[k] = v
	}
	return exchange.Balance{
		QuoteCurrency: e.quote,
		Total:         total,
		Available:     e.assets[e.quote],
		Assets:        assets,
		UpdatedAt:     time.Now(),
	}, nil
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error) {
	return e.quotes.GetPrice(ctx, symbol)
}

func (e *Exchange) TradeFees(ctx context.Context) (exchange.FeeSchedule, error) {
	return e.fees, nil
}

func (e *Exchange) MarketLimits(ctx context.Context, symbol string) (exchange.MarketLimits, error) {
	return e.quotes.MarketLimits(ctx, symbol)
}

// stopTriggered: a protective sell fires when the mark drops to the stop, a
// protective buy when it rises to it.
func stopTriggered(side exchange.OrderSide, stopPrice, mark float64) bool {
	if stopPrice <= 0 || mark <= 0 {
		return false
	}
	if side == exchange.Sell {
		return mark <= stopPrice
	}
	return mark >= stopPrice
}

func crossed(side exchange.OrderSide, limitPrice, mark float64) bool {
	if limitPrice <= 0 || mark <= 0 {
		return false
	}
	if side == exchange.Buy {
		return mark <= limitPrice
	}
	return mark >= limitPrice
}

func copyOrder(o *exchange.Order) *exchange.Order {
	c := *o
	return &c
}

func baseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	// Common quote suffixes for slashless symbols.
	for _, suffix := range []string{"USDT", "USDC", "USD", "EUR"} {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			return strings.TrimSuffix(symbol, suffix)
		}
	}
	return symbol
}

var _ exchange.Exchange = (*Exchange)(nil)

// String describes the venue for logs.
func (e *Exchange) String() string {
	return fmt.Sprintf("paper(%s)", e.quote)
}
