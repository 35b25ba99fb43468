package paper

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krakenbotzyn/internal/gateway/exchange"
)

type staticQuotes struct {
	mu   sync.Mutex
	mark float64
}

func (s *staticQuotes) set(p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = p
}

func (s *staticQuotes) GetPrice(ctx context.Context, symbol string) (exchange.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return exchange.PriceQuote{Symbol: symbol, Last: s.mark, Bid: s.mark - 0.05, Ask: s.mark + 0.05}, nil
}

func (s *staticQuotes) MarketLimits(ctx context.Context, symbol string) (exchange.MarketLimits, error) {
	return exchange.MarketLimits{MinQuantity: 0.001, MinNotional: 1, StepSize: 0.001, TickSize: 0.01}, nil
}

func TestMarketBuyMovesBalancesAndChargesTakerFee(t *testing.T) {
	quotes := &staticQuotes{mark: 100}
	ex := New(quotes, "USDT", 1000)

	order, err := ex.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.Buy, Type: exchange.Market, Quantity: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, order.Status)
	assert.InDelta(t, 100.05, order.AvgFillPrice, 1e-9, "market buy pays the ask")

	bal, err := ex.GetBalance(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.0, bal.Assets["BTC"], 1e-9)
	// 1000 - 200.1 notional - 0.26% taker fee.
	assert.InDelta(t, 1000-200.1-200.1*0.0026, bal.Assets["USDT"], 1e-6)
}

func TestMarketSellRejectedWithoutInventory(t *testing.T) {
	quotes := &staticQuotes{mark: 100}
	ex := New(quotes, "USDT", 1000)

	_, err := ex.PlaceOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.Sell, Type: exchange.Market, Quantity: 1,
	})
	require.Error(t, err)
	assert.True(t, exchange.IsDefinitive(err))
}

func TestPassiveLimitRestsThenFillsOnCross(t *testing.T) {
	quotes := &staticQuotes{mark: 100}
	ex := New(quotes, "USDT", 1000)
	ctx := context.Background()

	order, err := ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.Buy, Type: exchange.Limit, Quantity: 1, Price: 98,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusNew, order.Status, "below-market buy rests")

	ex.MarkToMarket(ctx)
	got, err := ex.GetOrder(ctx, "BTC/USDT", order.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Open(), "no cross yet")

	quotes.set(97.5)
	ex.MarkToMarket(ctx)
	got, err = ex.GetOrder(ctx, "BTC/USDT", order.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, got.Status)
	assert.InDelta(t, 98.0, got.AvgFillPrice, 1e-9, "limit fills at its own price")
}

func TestStopOrderTriggersOnAdverseMove(t *testing.T) {
	quotes := &staticQuotes{mark: 100}
	ex := New(quotes, "USDT", 1000)
	ctx := context.Background()

	// Acquire inventory first.
	_, err := ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.Buy, Type: exchange.Market, Quantity: 1,
	})
	require.NoError(t, err)

	stop, err := ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.Sell, Type: exchange.Limit,
		Quantity: 1, Price: 94.9, StopPrice: 95,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusNew, stop.Status, "stop rests above the market")

	quotes.set(94)
	ex.MarkToMarket(ctx)
	got, err := ex.GetOrder(ctx, "BTC/USDT", stop.ID)
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, got.Status)
}

func TestCancelRestingOrder(t *testing.T) {
	quotes := &staticQuotes{mark: 100}
	ex := New(quotes, "USDT", 1000)
	ctx := context.Background()

	order, err := ex.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol: "BTC/USDT", Side: exchange.Buy, Type: exchange.Limit, Quantity: 1, Price: 90,
	})
	require.NoError(t, err)

	require.NoError(t, ex.CancelOrder(ctx, "BTC/USDT", order.ID))
	err = ex.CancelOrder(ctx, "BTC/USDT", order.ID)
	assert.True(t, exchange.IsDefinitive(err), "double cancel is definitive")

	open, err := ex.ListOpenOrders(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}
