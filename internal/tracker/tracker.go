// Package tracker owns the set of live positions and their mental protective
// levels. It is the single writer of the position file; all mutations go
// through one mutex and every mutation is persisted before it is visible.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/types"
)

var (
	// ErrPositionExists is returned when a symbol already has an active
	// position. One position per symbol, no pyramiding.
	ErrPositionExists = errors.New("position already exists for symbol")

	// ErrPositionNotFound is returned for operations on an unknown symbol.
	ErrPositionNotFound = errors.New("no active position for symbol")

	// ErrInvariant is returned when protective levels are on the wrong side
	// of the entry for the position's direction.
	ErrInvariant = errors.New("protective levels violate side invariant")
)

// Tracker is the in-process authority on open positions.
type Tracker struct {
	mu        sync.Mutex
	path      string
	positions map[string]types.Position

	// minNotional maps symbol to the exchange's minimum order value in
	// quote currency. Positions whose remainder falls below it are dust:
	// excluded from exit checks but kept visible for the operator.
	minNotional map[string]float64

	corruptOnLoad bool
}

// Open loads (or initialises) the position store at path.
func Open(path string) (*Tracker, error) {
	positions, corrupt, err := loadStore(path)
	if err != nil {
		return nil, err
	}
	return &Tracker{
		path:          path,
		positions:     positions,
		minNotional:   map[string]float64{},
		corruptOnLoad: corrupt,
	}, nil
}

// NeedsReconciliation reports whether the store could not be trusted at load
// time and the engine should rebuild state from the exchange before trading.
func (t *Tracker) NeedsReconciliation() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.corruptOnLoad
}

// MarkReconciled clears the reconciliation flag after the engine has rebuilt
// state from the exchange.
func (t *Tracker) MarkReconciled() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.corruptOnLoad = false
}

// SetMinNotional records the exchange minimum order value for a symbol, used
// for dust classification.
func (t *Tracker) SetMinNotional(symbol string, minNotional float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minNotional[symbol] = minNotional
}

// validateLevels enforces the side invariants: a long must have
// SL < entry < TP, a short the mirror image. Zero levels mean "no level"
// and are allowed (exchange-native protection tracks them on the venue).
func validateLevels(p types.Position) error {
	if !p.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", ErrInvariant, p.Side)
	}
	if p.StopLoss == 0 && p.TakeProfit == 0 {
		return nil
	}
	switch p.Side {
	case types.SideLong:
		if p.StopLoss != 0 && p.StopLoss >= p.EntryPrice {
			return fmt.Errorf("%w: long stop %.8f >= entry %.8f", ErrInvariant, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit != 0 && p.TakeProfit <= p.EntryPrice {
			return fmt.Errorf("%w: long target %.8f <= entry %.8f", ErrInvariant, p.TakeProfit, p.EntryPrice)
		}
	case types.SideShort:
		if p.StopLoss != 0 && p.StopLoss <= p.EntryPrice {
			return fmt.Errorf("%w: short stop %.8f <= entry %.8f", ErrInvariant, p.StopLoss, p.EntryPrice)
		}
		if p.TakeProfit != 0 && p.TakeProfit >= p.EntryPrice {
			return fmt.Errorf("%w: short target %.8f >= entry %.8f", ErrInvariant, p.TakeProfit, p.EntryPrice)
		}
	}
	return nil
}

// OpenPosition registers a new position after its entry has been confirmed
// filled. It fails if the symbol already has an active position or the
// protective levels are inverted, and persists before returning.
func (t *Tracker) OpenPosition(p types.Position) error {
	if err := validateLevels(p); err != nil {
		return err
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("position quantity must be positive, got %.8f", p.Quantity)
	}
	if p.OpenedAt.IsZero() {
		p.OpenedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = types.StatusOpen
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.positions[p.Symbol]; ok && existing.Status.Active() {
		return fmt.Errorf("%w: %s", ErrPositionExists, p.Symbol)
	}
	t.positions[p.Symbol] = p
	if err := saveStore(t.path, t.positions); err != nil {
		delete(t.positions, p.Symbol)
		return err
	}
	logger.Infof("position opened: %s %s qty=%.8f entry=%.8f sl=%.8f tp=%.8f",
		p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit)
	return nil
}

// Get returns a copy of the active position for symbol.
func (t *Tracker) Get(symbol string) (types.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || !p.Status.Active() {
		return types.Position{}, false
	}
	return p, true
}

// List returns copies of all active positions, sorted by symbol for stable
// output.
func (t *Tracker) List() []types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		if p.Status.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// isDust reports whether the position's remaining value is below the
// exchange minimum and therefore cannot be closed with a normal order.
func (t *Tracker) isDust(p types.Position, price float64) bool {
	min, ok := t.minNotional[p.Symbol]
	if !ok || min <= 0 {
		return false
	}
	ref := price
	if ref <= 0 {
		ref = p.EntryPrice
	}
	return p.Quantity*ref < min
}

// DustPositions returns active positions too small to close at current
// prices. They are surfaced rather than acted on.
func (t *Tracker) DustPositions(prices map[string]float64) []types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.Position
	for _, p := range t.positions {
		if p.Status.Active() && t.isDust(p, prices[p.Symbol]) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// CheckExits evaluates every mentally-protected open position against the
// given prices and returns the triggers that fired. It is a pure read: no
// position state changes until the caller acts and closes the position.
// Stop-loss wins if price has crossed both levels in one gap.
func (t *Tracker) CheckExits(prices map[string]float64) []types.ExitTrigger {
	t.mu.Lock()
	defer t.mu.Unlock()

	var triggers []types.ExitTrigger
	for _, p := range t.positions {
		if p.Status != types.StatusOpen || p.Protection != types.ProtectionMental {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok || price <= 0 {
			continue
		}
		if t.isDust(p, price) {
			continue
		}
		if trig, fired := evaluate(p, price); fired {
			triggers = append(triggers, trig)
		}
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Symbol < triggers[j].Symbol })
	return triggers
}

func evaluate(p types.Position, price float64) (types.ExitTrigger, bool) {
	crossedSL := false
	crossedTP := false
	switch p.Side {
	case types.SideLong:
		crossedSL = p.StopLoss > 0 && price <= p.StopLoss
		crossedTP = p.TakeProfit > 0 && price >= p.TakeProfit
	case types.SideShort:
		crossedSL = p.StopLoss > 0 && price >= p.StopLoss
		crossedTP = p.TakeProfit > 0 && price <= p.TakeProfit
	}
	switch {
	case crossedSL:
		return types.ExitTrigger{Symbol: p.Symbol, Kind: types.ExitStopLoss, Level: p.StopLoss, Price: price, Position: p}, true
	case crossedTP:
		return types.ExitTrigger{Symbol: p.Symbol, Kind: types.ExitTakeProfit, Level: p.TakeProfit, Price: price, Position: p}, true
	}
	return types.ExitTrigger{}, false
}

// MarkClosing transitions the position to closing so a second exit attempt
// for the same symbol is rejected while the first is in flight.
func (t *Tracker) MarkClosing(symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || !p.Status.Active() {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	if p.Status == types.StatusClosing {
		return fmt.Errorf("exit already in flight for %s", symbol)
	}
	p.Status = types.StatusClosing
	t.positions[symbol] = p
	return saveStore(t.path, t.positions)
}

// ReopenAfterFailedExit reverts a closing position back to open when the exit
// order could not be placed, so the next price check can retry.
func (t *Tracker) ReopenAfterFailedExit(symbol string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || p.Status != types.StatusClosing {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	p.Status = types.StatusOpen
	t.positions[symbol] = p
	return saveStore(t.path, t.positions)
}

// ClosePosition removes the position after a confirmed exit fill and returns
// the closed copy.
func (t *Tracker) ClosePosition(symbol string) (types.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || !p.Status.Active() {
		return types.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	delete(t.positions, symbol)
	if err := saveStore(t.path, t.positions); err != nil {
		t.positions[symbol] = p
		return types.Position{}, err
	}
	p.Status = types.StatusClosed
	logger.Infof("position closed: %s %s qty=%.8f", p.Symbol, p.Side, p.Quantity)
	return p, nil
}

// ReduceQuantity lowers the tracked size after a partial exit fill. If the
// remainder drops to zero the position is removed.
func (t *Tracker) ReduceQuantity(symbol string, filled float64) (types.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || !p.Status.Active() {
		return types.Position{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	if filled <= 0 || filled > p.Quantity {
		return types.Position{}, fmt.Errorf("invalid fill quantity %.8f for %s (have %.8f)", filled, symbol, p.Quantity)
	}
	p.Quantity -= filled
	if p.Quantity <= 0 {
		delete(t.positions, symbol)
	} else {
		p.Status = types.StatusOpen
		t.positions[symbol] = p
	}
	if err := saveStore(t.path, t.positions); err != nil {
		return types.Position{}, err
	}
	return p, nil
}

// OpenRisk sums (entry - stop) * qty over active, mentally- or
// exchange-protected positions. A position without a stop contributes an
// error so the caller can fail closed.
func (t *Tracker) OpenRisk() (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	for _, p := range t.positions {
		if !p.Status.Active() {
			continue
		}
		rpu := p.RiskPerUnit()
		if p.StopLoss == 0 || rpu <= 0 {
			return 0, fmt.Errorf("position %s has no usable stop", p.Symbol)
		}
		total += rpu * p.Quantity
	}
	return total, nil
}
