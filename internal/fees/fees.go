// Package fees tracks the account's fee tier and answers what edge a trade
// must clear to be worth placing. It never rejects trades itself; the
// admission decision belongs to the caller.
package fees

import (
	"context"
	"sync"
	"time"

	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/types"

	"github.com/shopspring/decimal"
)

// Model caches the exchange's maker/taker schedule with a TTL. A stale
// snapshot is always preferred over blocking a trading cycle on a refresh.
type Model struct {
	ex       exchange.Exchange
	ttl      time.Duration
	safety   decimal.Decimal
	fallback exchange.FeeSchedule

	mu        sync.Mutex
	snapshot  exchange.FeeSchedule
	fetchedAt time.Time

	now func() time.Time
}

type Options struct {
	TTL              time.Duration
	SafetyMultiplier float64 // must be > 1; applied on top of round-trip cost
	DefaultMakerPct  float64
	DefaultTakerPct  float64
}

func NewModel(ex exchange.Exchange, opts Options) *Model {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.SafetyMultiplier <= 1 {
		opts.SafetyMultiplier = 1.25
	}
	fallback := exchange.FeeSchedule{
		MakerPct: opts.DefaultMakerPct,
		TakerPct: opts.DefaultTakerPct,
	}
	if fallback.MakerPct <= 0 {
		fallback.MakerPct = 0.0016
	}
	if fallback.TakerPct <= 0 {
		fallback.TakerPct = 0.0026
	}
	return &Model{
		ex:       ex,
		ttl:      opts.TTL,
		safety:   decimal.NewFromFloat(opts.SafetyMultiplier),
		fallback: fallback,
		snapshot: fallback,
		now:      time.Now,
	}
}

// Schedule returns the current fee snapshot, refreshing it when the TTL has
// lapsed. A failed refresh keeps the previous snapshot.
func (m *Model) Schedule(ctx context.Context) exchange.FeeSchedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.fetchedAt.IsZero() && m.now().Sub(m.fetchedAt) < m.ttl {
		return m.snapshot
	}
	if m.ex == nil {
		return m.snapshot
	}
	fresh, err := m.ex.TradeFees(ctx)
	if err != nil {
		logger.Warnf("fees: refresh failed, keeping cached tier: %v", err)
		// Push the next attempt out a bit so a flapping API does not get
		// hit on every cycle.
		m.fetchedAt = m.now().Add(-m.ttl + time.Minute)
		return m.snapshot
	}
	m.snapshot = fresh
	m.fetchedAt = m.now()
	logger.Infof("fees: tier refreshed maker=%.4f%% taker=%.4f%%",
		fresh.MakerPct*100, fresh.TakerPct*100)
	return m.snapshot
}

// RoundTripCostPct is the total fee drag of entering and exiting under the
// given mode, as a decimal fraction. Market-only pays taker twice; a
// maker-limit entry with bracket exit pays maker in and, because the exit
// side is unknown until it fills, the worse of the two out.
func (m *Model) RoundTripCostPct(ctx context.Context, mode types.ExecutionMode) decimal.Decimal {
	s := m.Schedule(ctx)
	maker := decimal.NewFromFloat(s.MakerPct)
	taker := decimal.NewFromFloat(s.TakerPct)
	if mode == types.ModeLimitBracket {
		exit := taker
		if maker.GreaterThan(taker) {
			exit = maker
		}
		return maker.Add(exit)
	}
	return taker.Add(taker)
}

// RequiredEdgePct is the minimum expected move (decimal fraction) a candidate
// trade needs before it clears costs with margin.
func (m *Model) RequiredEdgePct(ctx context.Context, mode types.ExecutionMode) decimal.Decimal {
	return m.RoundTripCostPct(ctx, mode).Mul(m.safety)
}

// EstimateCost is the fee in quote currency for one leg of the given notional.
func (m *Model) EstimateCost(ctx context.Context, notional float64, isMaker bool) decimal.Decimal {
	s := m.Schedule(ctx)
	rate := s.TakerPct
	if isMaker {
		rate = s.MakerPct
	}
	return decimal.NewFromFloat(notional).Mul(decimal.NewFromFloat(rate))
}
