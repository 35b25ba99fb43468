package oco

import (
	"context"
	"fmt"

	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/settle"
)

// Outcome is the result of one reconciliation pass over a pair.
type Outcome string

const (
	// NoChange means both legs are still working (or the pair was already
	// resolved by an earlier pass).
	NoChange Outcome = "no_change"
	// TakeProfitFilled means the TP leg filled and the stop was canceled.
	TakeProfitFilled Outcome = "take_profit_filled"
	// StopFilled means the stop leg filled and the TP was canceled.
	StopFilled Outcome = "stop_filled"
)

// Resolution carries the outcome plus the filled leg's order, when one filled.
type Resolution struct {
	Outcome Outcome
	Filled  *exchange.Order
}

// Reconciler polls the two legs of each pair and resolves them. Sibling
// cancellation happens exactly once: the pair row is deleted before the
// cancel is issued, and only the caller that wins the delete acts.
type Reconciler struct {
	ex      exchange.Exchange
	store   *PairStore
	emitter *events.Emitter
}

func NewReconciler(ex exchange.Exchange, store *PairStore, emitter *events.Emitter) *Reconciler {
	return &Reconciler{ex: ex, store: store, emitter: emitter}
}

// Reconcile inspects the pair for symbol. If a leg has filled it cancels the
// sibling and removes the pair. Calling it again after resolution is a no-op
// returning NoChange.
func (r *Reconciler) Reconcile(ctx context.Context, symbol string) (Resolution, error) {
	pair, ok, err := r.store.Get(ctx, symbol)
	if err != nil {
		return Resolution{Outcome: NoChange}, err
	}
	if !ok {
		// Already resolved (or never bracketed).
		return Resolution{Outcome: NoChange}, nil
	}

	tp, tpErr := r.ex.GetOrder(ctx, pair.Symbol, pair.TakeProfitOrderID)
	sl, slErr := r.ex.GetOrder(ctx, pair.Symbol, pair.StopOrderID)
	if tpErr != nil && slErr != nil {
		return Resolution{Outcome: NoChange}, fmt.Errorf("oco %s: both legs unreadable: %v / %v", symbol, tpErr, slErr)
	}

	tpFilled := legFilled(tp, tpErr)
	slFilled := legFilled(sl, slErr)

	switch {
	case tpFilled && slFilled:
		// Both legs report filled. That should be impossible on a spot
		// book; trust the later execution and flag it for the operator.
		winner, loser := tp, sl
		outcome := TakeProfitFilled
		if sl.UpdatedAt.After(tp.UpdatedAt) {
			winner, loser = sl, tp
			outcome = StopFilled
		}
		r.emitter.Emit(symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("both oco legs filled (tp=%s sl=%s), using later fill %s", tp.ID, sl.ID, winner.ID))
		logger.Errorf("oco %s: both legs filled, resolving to %s", symbol, winner.ID)
		return r.resolve(ctx, pair, outcome, winner, loser)
	case tpFilled:
		return r.resolve(ctx, pair, TakeProfitFilled, tp, sl)
	case slFilled:
		return r.resolve(ctx, pair, StopFilled, sl, tp)
	}

	// A leg that vanished without filling (canceled externally, expired)
	// leaves the position unprotected on that side; surface it.
	if tpErr == nil && !tp.Status.Open() && !tpFilled {
		r.emitter.Emit(symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("take-profit leg %s is %s without filling", tp.ID, tp.Status))
	}
	if slErr == nil && !sl.Status.Open() && !slFilled {
		r.emitter.Emit(symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("stop leg %s is %s without filling", sl.ID, sl.Status))
	}
	return Resolution{Outcome: NoChange}, nil
}

// legFilled applies the cumulative-fill threshold: a leg at or past it counts
// as filled even while the venue still reports it partially filled.
func legFilled(o *exchange.Order, err error) bool {
	if err != nil {
		return false
	}
	return o.Status == exchange.StatusFilled || o.FillRatio() >= settle.FilledThreshold
}

// resolve deletes the pair row and, if this caller won the delete, cancels
// the surviving sibling.
func (r *Reconciler) resolve(ctx context.Context, pair Pair, outcome Outcome, winner, loser *exchange.Order) (Resolution, error) {
	won, err := r.store.Delete(ctx, pair.Symbol)
	if err != nil {
		return Resolution{Outcome: NoChange}, err
	}
	if !won {
		return Resolution{Outcome: NoChange}, nil
	}

	siblingID := pair.StopOrderID
	if outcome == StopFilled {
		siblingID = pair.TakeProfitOrderID
	}
	if loser == nil || loser.Status.Open() {
		if err := r.ex.CancelOrder(ctx, pair.Symbol, siblingID); err != nil {
			if !exchange.IsDefinitive(err) {
				// The cancel may or may not have landed. The caller
				// gets the fill either way; the orphan check on the
				// next pass will catch a survivor.
				logger.Warnf("oco %s: sibling cancel ambiguous: %v", pair.Symbol, err)
			}
		}
	}

	r.emitter.Emit(pair.Symbol, events.KindOCOResolved, "", "",
		fmt.Sprintf("%s: filled=%s sibling=%s canceled", outcome, winner.ID, siblingID))
	return Resolution{Outcome: outcome, Filled: winner}, nil
}

// Symbols returns the symbols with an unresolved pair, for the engine loop.
func (r *Reconciler) Symbols(ctx context.Context) ([]string, error) {
	pairs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.Symbol)
	}
	return out, nil
}
