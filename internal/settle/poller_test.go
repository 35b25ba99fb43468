package settle

import (
	"context"
	"errors"
	"testing"
	"time"

	"krakenbotzyn/internal/gateway/exchange"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedOrders struct {
	exchange.Exchange
	orders []exchange.Order
	errs   []error
	calls  int
	onCall func()
}

func (s *scriptedOrders) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	if s.onCall != nil {
		s.onCall()
	}
	i := s.calls
	if i >= len(s.orders) {
		i = len(s.orders) - 1
	}
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	o := s.orders[i]
	return &o, nil
}

// fakeClock drives the poller deterministically: sleeping advances time.
type fakeClock struct {
	now time.Time
}

func withFakeClock(p *Poller) *fakeClock {
	c := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p.nowFn = func() time.Time { return c.now }
	p.sleepFn = func(ctx context.Context, d time.Duration) error {
		c.now = c.now.Add(d)
		return nil
	}
	return c
}

func TestExponentialBackoffSchedule(t *testing.T) {
	policy := Exponential{Base: 500 * time.Millisecond, Cap: 2 * time.Second}
	assert.Equal(t, 500*time.Millisecond, policy.NextDelay(0))
	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 2*time.Second, policy.NextDelay(5)) // capped
}

func TestAwaitSettlement_PollTimesAndDeadline(t *testing.T) {
	src := &scriptedOrders{
		orders: []exchange.Order{{ID: "1", Status: exchange.StatusNew, Quantity: 1}},
	}
	p := NewPoller(src, Exponential{Base: 500 * time.Millisecond, Cap: 2 * time.Second})
	clock := withFakeClock(p)
	start := clock.now

	var pollAt []time.Duration
	src.onCall = func() { pollAt = append(pollAt, clock.now.Sub(start)) }

	_, err := p.AwaitSettlement(context.Background(), "BTC/USDT", "1", 5*time.Second)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, exchange.IsAmbiguous(err), "timeout must be ambiguous, not definitive")

	// Polls at 0.5s, 1.5s, 3.5s; the timeout is reported at the 5s deadline.
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		1500 * time.Millisecond,
		3500 * time.Millisecond,
	}, pollAt)
	assert.Equal(t, 5*time.Second, clock.now.Sub(start))
}

func TestAwaitSettlement_FilledReturnsFill(t *testing.T) {
	src := &scriptedOrders{
		orders: []exchange.Order{
			{ID: "7", Symbol: "BTC/USDT", Status: exchange.StatusPartiallyFilled, Quantity: 1, ExecutedQty: 0.4},
			{ID: "7", Symbol: "BTC/USDT", Status: exchange.StatusFilled, Quantity: 1, ExecutedQty: 1, AvgFillPrice: 50_000, Side: exchange.Buy},
		},
	}
	p := NewPoller(src, Exponential{Base: 100 * time.Millisecond, Cap: time.Second})
	withFakeClock(p)

	fill, err := p.AwaitSettlement(context.Background(), "BTC/USDT", "7", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1.0, fill.Quantity)
	assert.Equal(t, 50_000.0, fill.Price)
}

func TestAwaitSettlement_NearFullPartialCountsAsFilled(t *testing.T) {
	src := &scriptedOrders{
		orders: []exchange.Order{
			{ID: "9", Status: exchange.StatusPartiallyFilled, Quantity: 1, ExecutedQty: 0.995, AvgFillPrice: 10},
		},
	}
	p := NewPoller(src, Exponential{Base: 100 * time.Millisecond})
	withFakeClock(p)

	fill, err := p.AwaitSettlement(context.Background(), "BTC/USDT", "9", 5*time.Second)
	require.NoError(t, err)
	assert.InDelta(t, 0.995, fill.Quantity, 1e-9)
}

func TestAwaitSettlement_CancelledWithoutFillIsDefinitive(t *testing.T) {
	src := &scriptedOrders{
		orders: []exchange.Order{{ID: "3", Status: exchange.StatusCanceled, Quantity: 1}},
	}
	p := NewPoller(src, Exponential{Base: 100 * time.Millisecond})
	withFakeClock(p)

	_, err := p.AwaitSettlement(context.Background(), "BTC/USDT", "3", 5*time.Second)
	require.Error(t, err)
	assert.True(t, exchange.IsDefinitive(err))
}

func TestAwaitSettlement_TransientErrorsKeepPolling(t *testing.T) {
	src := &scriptedOrders{
		orders: []exchange.Order{
			{}, // consumed alongside the error
			{ID: "4", Status: exchange.StatusFilled, Quantity: 2, ExecutedQty: 2, AvgFillPrice: 5},
		},
		errs: []error{exchange.Ambiguous(errors.New("connection reset"))},
	}
	p := NewPoller(src, Exponential{Base: 100 * time.Millisecond})
	withFakeClock(p)

	fill, err := p.AwaitSettlement(context.Background(), "BTC/USDT", "4", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2.0, fill.Quantity)
}

type scriptedBalance struct {
	exchange.Exchange
	balances []exchange.Balance
	calls    int
}

func (s *scriptedBalance) GetBalance(ctx context.Context) (exchange.Balance, error) {
	i := s.calls
	if i >= len(s.balances) {
		i = len(s.balances) - 1
	}
	s.calls++
	return s.balances[i], nil
}

func TestAwaitBalanceSettlement_DetectsBaseAssetArrival(t *testing.T) {
	src := &scriptedBalance{balances: []exchange.Balance{
		{Assets: map[string]float64{"BTC": 0}},
		{Assets: map[string]float64{"BTC": 0.5}},
	}}
	p := NewPoller(src, Exponential{Base: 100 * time.Millisecond})
	withFakeClock(p)

	err := p.AwaitBalanceSettlement(context.Background(), "BTC/USDT", exchange.Buy, 0.5, 50_000, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}
