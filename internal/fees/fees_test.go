package fees

import (
	"context"
	"errors"
	"testing"
	"time"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockFeeSource struct {
	mock.Mock
	exchange.Exchange
}

func (m *mockFeeSource) TradeFees(ctx context.Context) (exchange.FeeSchedule, error) {
	args := m.Called(ctx)
	return args.Get(0).(exchange.FeeSchedule), args.Error(1)
}

func TestRequiredEdge_MarketOnlyIsDoubleTaker(t *testing.T) {
	src := new(mockFeeSource)
	src.On("TradeFees", mock.Anything).Return(exchange.FeeSchedule{MakerPct: 0.0016, TakerPct: 0.0026}, nil)

	m := NewModel(src, Options{SafetyMultiplier: 1.25})
	edge := m.RequiredEdgePct(context.Background(), types.ModeMarketOnly)

	// taker * 2 * 1.25 = 0.0026*2*1.25 = 0.0065
	assert.True(t, edge.Equal(decimal.NewFromFloat(0.0065)), "got %s", edge)
}

func TestRequiredEdge_LimitBracketUsesWorstExitLeg(t *testing.T) {
	src := new(mockFeeSource)
	src.On("TradeFees", mock.Anything).Return(exchange.FeeSchedule{MakerPct: 0.0016, TakerPct: 0.0026}, nil)

	m := NewModel(src, Options{SafetyMultiplier: 1.25})
	cost := m.RoundTripCostPct(context.Background(), types.ModeLimitBracket)

	// maker in + max(maker, taker) out = 0.0016 + 0.0026
	assert.True(t, cost.Equal(decimal.NewFromFloat(0.0042)), "got %s", cost)
}

func TestSchedule_CachesWithinTTL(t *testing.T) {
	src := new(mockFeeSource)
	src.On("TradeFees", mock.Anything).Return(exchange.FeeSchedule{MakerPct: 0.001, TakerPct: 0.002}, nil).Once()

	m := NewModel(src, Options{TTL: time.Hour})
	first := m.Schedule(context.Background())
	second := m.Schedule(context.Background())

	assert.Equal(t, first, second)
	src.AssertNumberOfCalls(t, "TradeFees", 1)
}

func TestSchedule_KeepsStaleSnapshotOnRefreshFailure(t *testing.T) {
	src := new(mockFeeSource)
	src.On("TradeFees", mock.Anything).Return(exchange.FeeSchedule{MakerPct: 0.001, TakerPct: 0.002}, nil).Once()
	src.On("TradeFees", mock.Anything).Return(exchange.FeeSchedule{}, errors.New("api down"))

	m := NewModel(src, Options{TTL: time.Hour})
	first := m.Schedule(context.Background())

	// Force the TTL to lapse, then refresh against a broken API.
	m.mu.Lock()
	m.fetchedAt = m.now().Add(-2 * time.Hour)
	m.mu.Unlock()

	second := m.Schedule(context.Background())
	assert.Equal(t, first.TakerPct, second.TakerPct)
}

func TestNewModel_DefaultsToStandardTier(t *testing.T) {
	m := NewModel(nil, Options{})
	s := m.Schedule(context.Background())
	assert.InDelta(t, 0.0016, s.MakerPct, 1e-9)
	assert.InDelta(t, 0.0026, s.TakerPct, 1e-9)
}
