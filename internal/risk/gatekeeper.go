// Package risk gates new trades behind three independent budgets: daily trade
// counts, per-trade stop-implied risk, and aggregate open risk. Any internal
// failure blocks the trade; this package never fails open.
package risk

import (
	"errors"
	"fmt"

	"krakenbotzyn/internal/types"
)

var (
	// ErrInvalidStop means the candidate's stop is on the wrong side of its
	// entry (risk per unit <= 0). This is never coerced to zero risk.
	ErrInvalidStop = errors.New("invalid protective stop")
	// ErrUnknownRisk means an open position has no tracked stop, so the
	// aggregate cannot be computed; new entries are blocked until resolved.
	ErrUnknownRisk = errors.New("open position with unknown risk")
)

// Decision is the gatekeeper's verdict. A rejection is an expected outcome,
// not an anomaly; Reason is operator-readable.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

func reject(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Limits configures the gatekeeper's budgets.
type Limits struct {
	MaxTradesPerSymbol int
	MaxTradesTotal     int
	MaxActiveRiskPct   float64
}

// Gatekeeper validates candidates against the ledger and the open book.
// Admit has no side effects: the executor records the slot only after a
// confirmed fill, so a crash in between never consumes a daily slot.
type Gatekeeper struct {
	ledger *DailyLedger
	limits Limits
}

func NewGatekeeper(ledger *DailyLedger, limits Limits) *Gatekeeper {
	if limits.MaxActiveRiskPct <= 0 {
		limits.MaxActiveRiskPct = 0.02
	}
	return &Gatekeeper{ledger: ledger, limits: limits}
}

// Admit evaluates the three checks in fixed order, short-circuiting on the
// first failure: daily limits, per-trade risk, then portfolio risk.
func (g *Gatekeeper) Admit(signal types.TradeSignal, quantity, equity float64, open []types.Position) Decision {
	// 1. Daily limits. A ledger read failure is a rejection (fail closed).
	symCount, total, err := g.ledger.Counts(signal.Symbol)
	if err != nil {
		return reject("risk ledger unavailable: %v", err)
	}
	if g.limits.MaxTradesPerSymbol > 0 && symCount >= g.limits.MaxTradesPerSymbol {
		return reject("daily limit for %s reached (%d/%d)",
			signal.Symbol, symCount, g.limits.MaxTradesPerSymbol)
	}
	if g.limits.MaxTradesTotal > 0 && total >= g.limits.MaxTradesTotal {
		return reject("daily total trade limit reached (%d/%d)", total, g.limits.MaxTradesTotal)
	}

	// 2. Per-trade risk.
	riskPerUnit, err := signalRiskPerUnit(signal)
	if err != nil {
		return reject("%v", err)
	}

	// 3. Portfolio risk: open book plus the candidate.
	aggregate, err := OpenRisk(open)
	if err != nil {
		return reject("%v", err)
	}
	candidate := riskPerUnit * quantity
	budget := equity * g.limits.MaxActiveRiskPct
	if aggregate+candidate > budget {
		return reject("portfolio risk $%.2f + candidate $%.2f exceeds cap $%.2f (%.1f%% of $%.2f equity)",
			aggregate, candidate, budget, g.limits.MaxActiveRiskPct*100, equity)
	}

	return Decision{Allowed: true, Reason: "within daily, per-trade and portfolio limits"}
}

// RecordOpened consumes a daily slot. Called by the executor after a
// confirmed fill only.
func (g *Gatekeeper) RecordOpened(symbol string) error {
	return g.ledger.RecordOpened(symbol)
}

// Ledger exposes the underlying counter store for status reporting.
func (g *Gatekeeper) Ledger() *DailyLedger { return g.ledger }

// MaxActiveRiskPct returns the configured aggregate cap.
func (g *Gatekeeper) MaxActiveRiskPct() float64 { return g.limits.MaxActiveRiskPct }

func signalRiskPerUnit(signal types.TradeSignal) (float64, error) {
	if !signal.Side.Valid() {
		return 0, fmt.Errorf("invalid side %q", signal.Side)
	}
	if signal.StopDistance <= 0 {
		return 0, fmt.Errorf("%w: %s %s entry=%.4f stop_distance=%.4f (must be > 0)",
			ErrInvalidStop, signal.Side, signal.Symbol, signal.EntryPrice, signal.StopDistance)
	}
	return signal.StopDistance, nil
}

// PositionRisk is |entry - stop| x quantity with the sign checked against the
// side. A stop on the wrong side yields ErrInvalidStop; a missing stop yields
// ErrUnknownRisk.
func PositionRisk(p types.Position) (float64, error) {
	if p.StopLoss == 0 {
		return 0, fmt.Errorf("%w: %s has no stop recorded", ErrUnknownRisk, p.Symbol)
	}
	perUnit := p.RiskPerUnit()
	if perUnit <= 0 {
		return 0, fmt.Errorf("%w: %s %s entry=%.4f stop=%.4f",
			ErrInvalidStop, p.Side, p.Symbol, p.EntryPrice, p.StopLoss)
	}
	return perUnit * p.Quantity, nil
}

// OpenRisk sums the stop-implied risk of all active positions. Positions with
// unknown risk block the computation entirely (conservative: untracked legacy
// positions stop new entries until they are resolved).
func OpenRisk(open []types.Position) (float64, error) {
	total := 0.0
	for _, p := range open {
		if !p.Status.Active() {
			continue
		}
		r, err := PositionRisk(p)
		if err != nil {
			return 0, err
		}
		total += r
	}
	return total, nil
}
