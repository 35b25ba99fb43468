// Package settle resolves the true fill state of a just-placed order under
// exchange eventual consistency. A deadline overrun is reported as an
// ambiguous outcome, never as "nothing happened".
package settle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/types"
)

// FilledThreshold treats an order as fully filled once its cumulative fill
// ratio crosses this line, tolerating fee-rounding on partial fills.
const FilledThreshold = 0.99

// ErrSettlementTimeout is returned when the deadline passes without a
// confirmed terminal state. It wraps exchange.ErrAmbiguous: the order may
// still have filled, so callers must reconcile before assuming failure.
var ErrSettlementTimeout = fmt.Errorf("%w: settlement deadline exceeded", exchange.ErrAmbiguous)

// Poller polls order (or balance) state with a backoff policy until a
// deadline. The clock and sleeper are injectable for tests.
type Poller struct {
	ex      exchange.Exchange
	policy  Policy
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error
}

func NewPoller(ex exchange.Exchange, policy Policy) *Poller {
	if policy == nil {
		policy = Exponential{Base: 500 * time.Millisecond, Cap: 2 * time.Second}
	}
	return &Poller{
		ex:     ex,
		policy: policy,
		nowFn:  time.Now,
		sleepFn: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// AwaitSettlement polls the order's status until it reaches a terminal state
// or the deadline lapses. Filled returns the fill; cancelled/rejected returns
// a definitive error; a deadline overrun returns ErrSettlementTimeout.
func (p *Poller) AwaitSettlement(ctx context.Context, symbol, orderID string, deadline time.Duration) (*types.Fill, error) {
	start := p.nowFn()
	for attempt := 0; ; attempt++ {
		delay := p.policy.NextDelay(attempt)
		remaining := deadline - p.nowFn().Sub(start)
		if delay >= remaining {
			// Not enough budget for another poll: run out the clock and
			// report the ambiguous timeout exactly at the deadline.
			if remaining > 0 {
				if err := p.sleepFn(ctx, remaining); err != nil {
					return nil, exchange.Ambiguous(err)
				}
			}
			return nil, ErrSettlementTimeout
		}
		if err := p.sleepFn(ctx, delay); err != nil {
			return nil, exchange.Ambiguous(err)
		}

		order, err := p.ex.GetOrder(ctx, symbol, orderID)
		if err != nil {
			if exchange.IsDefinitive(err) {
				return nil, err
			}
			logger.Debugf("settle: poll %d for %s failed: %v", attempt+1, orderID, err)
			continue
		}
		switch {
		case order.FillRatio() >= FilledThreshold:
			return FillFromOrder(order), nil
		case order.Status == exchange.StatusCanceled, order.Status == exchange.StatusRejected,
			order.Status == exchange.StatusExpired:
			if order.ExecutedQty > 0 {
				// Partially filled then cancelled: the partial fill is real.
				return FillFromOrder(order), nil
			}
			return nil, exchange.Definitive("order %s terminal without fill (%s)", orderID, order.Status)
		}
		logger.Debugf("settle: %s still %s (%.1f%% filled) after %s",
			orderID, order.Status, order.FillRatio()*100, p.nowFn().Sub(start).Round(time.Millisecond))
	}
}

// AwaitBalanceSettlement detects settlement by watching the free balance of
// the traded asset instead of order status; some asset classes report
// balances faster than order state. The expected quantity is matched with
// the same 1% tolerance used for cumulative fills.
func (p *Poller) AwaitBalanceSettlement(ctx context.Context, symbol string, side exchange.OrderSide, quantity, price float64, deadline time.Duration) error {
	asset := baseAsset(symbol)
	need := quantity * FilledThreshold
	if side == exchange.Sell {
		asset = quoteAsset(symbol)
		need = quantity * price * FilledThreshold
	}

	start := p.nowFn()
	for attempt := 0; ; attempt++ {
		delay := p.policy.NextDelay(attempt)
		remaining := deadline - p.nowFn().Sub(start)
		if delay >= remaining {
			if remaining > 0 {
				if err := p.sleepFn(ctx, remaining); err != nil {
					return exchange.Ambiguous(err)
				}
			}
			return ErrSettlementTimeout
		}
		if err := p.sleepFn(ctx, delay); err != nil {
			return exchange.Ambiguous(err)
		}

		bal, err := p.ex.GetBalance(ctx)
		if err != nil {
			logger.Debugf("settle: balance poll failed: %v", err)
			continue
		}
		if free := bal.Assets[asset]; free >= need {
			logger.Infof("settle: %s settled, %s free=%.6f (needed %.6f)", symbol, asset, free, need)
			return nil
		}
	}
}

// FillFromOrder converts a settled order into the fill the tracker records.
// The average fill price is preferred; the limit price is the fallback.
func FillFromOrder(o *exchange.Order) *types.Fill {
	price := o.AvgFillPrice
	if price == 0 {
		price = o.Price
	}
	return &types.Fill{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Quantity:    o.ExecutedQty,
		Price:       price,
		Fee:         o.Fee,
		FeeCurrency: o.FeeCurrency,
		FilledAt:    o.UpdatedAt,
	}
}

// IsTimeout reports whether err is the ambiguous settlement-deadline error.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrSettlementTimeout)
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

func quoteAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i >= 0 && i+1 < len(symbol) {
		return symbol[i+1:]
	}
	if base := baseAsset(symbol); base != symbol {
		return strings.TrimPrefix(symbol, base)
	}
	return "USDT"
}
