package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/types"
)

type fixedCandles struct {
	candles []exchange.Candle
}

func (f *fixedCandles) Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	return f.candles, nil
}

// flatSeries builds n candles oscillating around base, then appends one last
// candle at lastClose.
func flatSeries(n int, base, lastClose float64) []exchange.Candle {
	out := make([]exchange.Candle, 0, n+1)
	t := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out = append(out, exchange.Candle{
			OpenTime: t.Add(time.Duration(i) * 5 * time.Minute),
			Open:     base, High: base + 1, Low: base - 1, Close: base,
		})
	}
	out = append(out, exchange.Candle{
		OpenTime: t.Add(time.Duration(n) * 5 * time.Minute),
		Open:     base, High: lastClose + 0.5, Low: base - 1, Close: lastClose,
	})
	return out
}

func TestBreakoutLongSignal(t *testing.T) {
	src := &fixedCandles{candles: flatSeries(40, 100, 104)}
	b := NewBreakout(src, Options{Lookback: 20, ATRPeriod: 14, ATRMult: 2})

	signals, err := b.Signals(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, types.SideLong, sig.Side)
	assert.Equal(t, 104.0, sig.EntryPrice)
	assert.Greater(t, sig.StopDistance, 0.0)
	assert.GreaterOrEqual(t, sig.Confidence, 0.5)
	assert.LessOrEqual(t, sig.Confidence, 1.0)
}

func TestNoSignalInsideTheRange(t *testing.T) {
	src := &fixedCandles{candles: flatSeries(40, 100, 100.5)}
	b := NewBreakout(src, Options{Lookback: 20, ATRPeriod: 14, ATRMult: 2})

	signals, err := b.Signals(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestShortRequiresOptIn(t *testing.T) {
	src := &fixedCandles{candles: flatSeries(40, 100, 95)}

	b := NewBreakout(src, Options{Lookback: 20, ATRPeriod: 14, ATRMult: 2})
	signals, err := b.Signals(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Empty(t, signals, "shorts disabled by default on spot")

	b = NewBreakout(src, Options{Lookback: 20, ATRPeriod: 14, ATRMult: 2, AllowShort: true})
	signals, err = b.Signals(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SideShort, signals[0].Side)
}

func TestInsufficientHistoryIsSkippedNotFatal(t *testing.T) {
	src := &fixedCandles{candles: flatSeries(5, 100, 104)}
	b := NewBreakout(src, Options{Lookback: 20, ATRPeriod: 14, ATRMult: 2})

	signals, err := b.Signals(context.Background(), []string{"BTCUSDT"})
	require.NoError(t, err)
	assert.Empty(t, signals)
}
