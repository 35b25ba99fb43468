// Package strategy produces trade candidates from closed candles. It is
// deliberately simple: a volatility-scaled breakout over a lookback window.
// The engine treats its output as untrusted input; every candidate still
// passes the fee and risk gates.
package strategy

import (
	"context"
	"fmt"
	"math"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/types"
)

// CandleSource supplies closed bars, usually the live market-data gateway.
type CandleSource interface {
	Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error)
}

// Options tunes the breakout detector.
type Options struct {
	Interval   string
	Lookback   int     // breakout window in bars
	ATRPeriod  int     // Wilder ATR period
	ATRMult    float64 // stop distance = ATRMult x ATR
	AllowShort bool
}

func (o *Options) applyDefaults() {
	if o.Interval == "" {
		o.Interval = "5m"
	}
	if o.Lookback <= 0 {
		o.Lookback = 20
	}
	if o.ATRPeriod <= 0 {
		o.ATRPeriod = 14
	}
	if o.ATRMult <= 0 {
		o.ATRMult = 2.0
	}
}

// Breakout emits a long signal when the last close clears the prior
// lookback-window high, and (optionally) a short on the mirror condition.
type Breakout struct {
	source CandleSource
	opts   Options
}

func NewBreakout(source CandleSource, opts Options) *Breakout {
	opts.applyDefaults()
	return &Breakout{source: source, opts: opts}
}

// Signals implements the engine's signal source. A symbol that cannot be
// evaluated is skipped, never fatal for the cycle.
func (b *Breakout) Signals(ctx context.Context, symbols []string) ([]types.TradeSignal, error) {
	var out []types.TradeSignal
	for _, symbol := range symbols {
		sig, err := b.evaluate(ctx, symbol)
		if err != nil {
			logger.Warnf("strategy: %s skipped: %v", symbol, err)
			continue
		}
		if sig != nil {
			out = append(out, *sig)
		}
	}
	return out, nil
}

func (b *Breakout) evaluate(ctx context.Context, symbol string) (*types.TradeSignal, error) {
	need := b.opts.Lookback + b.opts.ATRPeriod + 1
	candles, err := b.source.Candles(ctx, symbol, b.opts.Interval, need)
	if err != nil {
		return nil, err
	}
	if len(candles) < need {
		return nil, fmt.Errorf("need %d closed candles, have %d", need, len(candles))
	}

	last := candles[len(candles)-1]
	window := candles[len(candles)-1-b.opts.Lookback : len(candles)-1]

	high, low := window[0].High, window[0].Low
	for _, c := range window[1:] {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}

	atr := wilderATR(candles, b.opts.ATRPeriod)
	if atr <= 0 {
		return nil, fmt.Errorf("degenerate ATR for %s", symbol)
	}
	stopDistance := atr * b.opts.ATRMult

	switch {
	case last.Close > high:
		conf := confidence(last.Close-high, atr)
		logger.Infof("strategy: %s long breakout close=%.8f window_high=%.8f atr=%.8f",
			symbol, last.Close, high, atr)
		return &types.TradeSignal{
			Symbol:       symbol,
			Side:         types.SideLong,
			EntryPrice:   last.Close,
			StopDistance: stopDistance,
			Confidence:   conf,
		}, nil
	case b.opts.AllowShort && last.Close < low:
		conf := confidence(low-last.Close, atr)
		logger.Infof("strategy: %s short breakdown close=%.8f window_low=%.8f atr=%.8f",
			symbol, last.Close, low, atr)
		return &types.TradeSignal{
			Symbol:       symbol,
			Side:         types.SideShort,
			EntryPrice:   last.Close,
			StopDistance: stopDistance,
			Confidence:   conf,
		}, nil
	}
	return nil, nil
}

// confidence scales breakout strength by volatility, clamped to [0.5, 1].
func confidence(excess, atr float64) float64 {
	c := 0.5 + excess/(2*atr)
	if c > 1 {
		return 1
	}
	return c
}

// wilderATR computes the Wilder-smoothed average true range over the last
// period bars.
func wilderATR(candles []exchange.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	start := len(candles) - period - 1
	atr := 0.0
	for i := start + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		if i == start+1 {
			atr = tr
			continue
		}
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(c, prev exchange.Candle) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prev.Close)
	lc := math.Abs(c.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}
