package executor

import (
	"fmt"

	"github.com/shopspring/decimal"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/types"
)

// roundDownToStep snaps a quantity down to the exchange's lot step. Done in
// decimal space so float artifacts cannot push the result above the raw value.
func roundDownToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	s := decimal.NewFromFloat(step)
	out, _ := v.Div(s).Floor().Mul(s).Float64()
	return out
}

// roundToTick snaps a price to the exchange tick. Buy prices round down and
// sell prices round up, so the snapped price is never more aggressive than
// the requested one.
func roundToTick(price, tick float64, roundUp bool) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	q := p.Div(t)
	if roundUp {
		q = q.Ceil()
	} else {
		q = q.Floor()
	}
	out, _ := q.Mul(t).Float64()
	return out
}

// sizeEntry converts the per-trade risk budget into an order quantity:
// budget / stop distance, snapped down to the lot step, then validated
// against the exchange minimums so a dust order is never submitted.
func sizeEntry(signal types.TradeSignal, equity, riskBudgetPct float64, limits exchange.MarketLimits) (float64, error) {
	if signal.StopDistance <= 0 {
		return 0, fmt.Errorf("stop distance must be positive, got %.8f", signal.StopDistance)
	}
	if equity <= 0 {
		return 0, fmt.Errorf("equity must be positive, got %.2f", equity)
	}
	budget := equity * riskBudgetPct
	raw := budget / signal.StopDistance
	qty := roundDownToStep(raw, limits.StepSize)

	if qty <= 0 {
		return 0, fmt.Errorf("sized quantity %.8f rounds to zero at step %.8f", raw, limits.StepSize)
	}
	if limits.MinQuantity > 0 && qty < limits.MinQuantity {
		return 0, fmt.Errorf("quantity %.8f below exchange minimum %.8f for %s",
			qty, limits.MinQuantity, signal.Symbol)
	}
	if limits.MinNotional > 0 && qty*signal.EntryPrice < limits.MinNotional {
		return 0, fmt.Errorf("notional %.2f below exchange minimum %.2f for %s",
			qty*signal.EntryPrice, limits.MinNotional, signal.Symbol)
	}
	return qty, nil
}

// entrySide maps a position direction onto the exchange order side for
// opening it; exitSide is the reverse.
func entrySide(side types.Side) exchange.OrderSide {
	if side == types.SideShort {
		return exchange.Sell
	}
	return exchange.Buy
}

func exitSide(side types.Side) exchange.OrderSide {
	if side == types.SideShort {
		return exchange.Buy
	}
	return exchange.Sell
}

// protectiveLevels derives the stop and target from the fill price. The stop
// sits one stop-distance away; the target scales the same distance by the
// configured reward ratio.
func protectiveLevels(side types.Side, fillPrice, stopDistance, rewardRatio float64) (stop, target float64) {
	if rewardRatio <= 0 {
		rewardRatio = 1.5
	}
	if side == types.SideShort {
		return fillPrice + stopDistance, fillPrice - stopDistance*rewardRatio
	}
	return fillPrice - stopDistance, fillPrice + stopDistance*rewardRatio
}
