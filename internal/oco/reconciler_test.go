package oco

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/gateway/exchange"
)

type mockExchange struct {
	mock.Mock
	exchange.Exchange
}

func (m *mockExchange) GetOrder(ctx context.Context, symbol, orderID string) (*exchange.Order, error) {
	args := m.Called(ctx, symbol, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*exchange.Order), args.Error(1)
}

func (m *mockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	args := m.Called(ctx, symbol, orderID)
	return args.Error(0)
}

type captureSink struct{ events []events.Event }

func (c *captureSink) Record(evt events.Event) { c.events = append(c.events, evt) }

func newStore(t *testing.T) *PairStore {
	t.Helper()
	s, err := OpenPairStore(filepath.Join(t.TempDir(), "oco.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPair() Pair {
	return Pair{
		Symbol:            "BTCUSDT",
		Side:              "long",
		TakeProfitOrderID: "tp-1",
		StopOrderID:       "sl-1",
		TotalQuantity:     1,
		FilledQuantity:    1,
	}
}

func order(id string, status exchange.OrderStatus, updated time.Time) *exchange.Order {
	return &exchange.Order{ID: id, Symbol: "BTCUSDT", Quantity: 1, ExecutedQty: 1, Status: status, UpdatedAt: updated}
}

func TestReconcileNoChangeWhileBothOpen(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Put(context.Background(), testPair()))

	ex := &mockExchange{}
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "tp-1").Return(order("tp-1", exchange.StatusNew, time.Now()), nil)
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "sl-1").Return(order("sl-1", exchange.StatusNew, time.Now()), nil)

	r := NewReconciler(ex, store, nil)
	res, err := r.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, NoChange, res.Outcome)

	_, ok, err := store.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, ok, "pair must survive a no-change pass")
	ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileTakeProfitFilledCancelsStopOnce(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Put(context.Background(), testPair()))

	ex := &mockExchange{}
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "tp-1").Return(order("tp-1", exchange.StatusFilled, time.Now()), nil)
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "sl-1").Return(order("sl-1", exchange.StatusNew, time.Now()), nil)
	ex.On("CancelOrder", mock.Anything, "BTCUSDT", "sl-1").Return(nil).Once()

	sink := &captureSink{}
	r := NewReconciler(ex, store, events.NewEmitter(sink))

	res, err := r.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, TakeProfitFilled, res.Outcome)
	require.NotNil(t, res.Filled)
	assert.Equal(t, "tp-1", res.Filled.ID)

	// Second pass: pair is gone, nothing happens, no second cancel.
	res, err = r.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, NoChange, res.Outcome)
	ex.AssertNumberOfCalls(t, "CancelOrder", 1)

	require.Len(t, sink.events, 1)
	assert.Equal(t, events.KindOCOResolved, sink.events[0].Kind)
}

func TestReconcileNearFullPartialLegCountsAsFilled(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Put(context.Background(), testPair()))

	// The venue still reports PARTIALLY_FILLED at 99.5% cumulative fill;
	// the pair must resolve anyway or the full-size stop stays live.
	tp := order("tp-1", exchange.StatusPartiallyFilled, time.Now())
	tp.ExecutedQty = 0.995

	ex := &mockExchange{}
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "tp-1").Return(tp, nil)
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "sl-1").Return(order("sl-1", exchange.StatusNew, time.Now()), nil)
	ex.On("CancelOrder", mock.Anything, "BTCUSDT", "sl-1").Return(nil).Once()

	r := NewReconciler(ex, store, nil)
	res, err := r.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, TakeProfitFilled, res.Outcome)
	require.NotNil(t, res.Filled)
	assert.InDelta(t, 0.995, res.Filled.ExecutedQty, 1e-9)

	_, ok, err := store.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, ok, "pair must be resolved")
	ex.AssertNumberOfCalls(t, "CancelOrder", 1)
}

func TestReconcileStopFilledCancelsTakeProfit(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Put(context.Background(), testPair()))

	ex := &mockExchange{}
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "tp-1").Return(order("tp-1", exchange.StatusNew, time.Now()), nil)
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "sl-1").Return(order("sl-1", exchange.StatusFilled, time.Now()), nil)
	ex.On("CancelOrder", mock.Anything, "BTCUSDT", "tp-1").Return(nil).Once()

	r := NewReconciler(ex, store, nil)
	res, err := r.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StopFilled, res.Outcome)
	ex.AssertExpectations(t)
}

func TestReconcileBothFilledLaterWinsAndFlagsAnomaly(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Put(context.Background(), testPair()))

	earlier := time.Now().Add(-2 * time.Second)
	later := time.Now()

	ex := &mockExchange{}
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "tp-1").Return(order("tp-1", exchange.StatusFilled, earlier), nil)
	ex.On("GetOrder", mock.Anything, "BTCUSDT", "sl-1").Return(order("sl-1", exchange.StatusFilled, later), nil)

	sink := &captureSink{}
	r := NewReconciler(ex, store, events.NewEmitter(sink))

	res, err := r.Reconcile(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, StopFilled, res.Outcome)
	assert.Equal(t, "sl-1", res.Filled.ID)

	// Neither leg is open, so no cancel is attempted.
	ex.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything, mock.Anything)

	kinds := []events.Kind{sink.events[0].Kind, sink.events[1].Kind}
	assert.Contains(t, kinds, events.KindAnomaly)
	assert.Contains(t, kinds, events.KindOCOResolved)
}

func TestReconcileUnknownSymbolIsNoop(t *testing.T) {
	store := newStore(t)
	ex := &mockExchange{}
	r := NewReconciler(ex, store, nil)

	res, err := r.Reconcile(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, NoChange, res.Outcome)
}

func TestPairStoreRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	p := testPair()
	p.FilledQuantity = 0.4
	require.NoError(t, store.Put(ctx, p))

	got, ok, err := store.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tp-1", got.TakeProfitOrderID)
	assert.InDelta(t, 0.4, got.FilledQuantity, 1e-9)
	assert.False(t, got.BracketInitialized)

	require.NoError(t, store.UpdateFilled(ctx, "BTCUSDT", 0.99, true))
	got, _, err = store.Get(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, got.BracketInitialized)

	deleted, err := store.Delete(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.False(t, deleted, "second delete must report already gone")
}
