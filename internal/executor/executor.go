// Package executor turns admitted trade signals into exchange orders and
// tracked positions, and closes positions when their protective levels fire.
// It is the only package that places orders; everything flows through the
// shared rate limiter and the settlement poller.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/fees"
	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/limiter"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/oco"
	"krakenbotzyn/internal/risk"
	"krakenbotzyn/internal/settle"
	"krakenbotzyn/internal/tracker"
	"krakenbotzyn/internal/types"
)

// Options tunes entry and exit behavior.
type Options struct {
	Mode          types.ExecutionMode
	RiskBudgetPct float64 // fraction of equity risked per trade

	// Reward ratio between target and stop distance (take-profit multiple
	// over stop multiple).
	StopMult       float64
	TakeProfitMult float64

	// Limit-bracket entry tuning.
	LimitOffsetPct  float64
	LimitFillWait   time.Duration
	LimitMaxRetries int
	MarketFallback  bool

	SettleDeadline time.Duration
}

func (o *Options) applyDefaults() {
	if o.Mode == "" {
		o.Mode = types.ModeMarketOnly
	}
	if o.RiskBudgetPct <= 0 {
		o.RiskBudgetPct = 0.01
	}
	if o.StopMult <= 0 {
		o.StopMult = 2.0
	}
	if o.TakeProfitMult <= 0 {
		o.TakeProfitMult = 3.0
	}
	if o.LimitFillWait <= 0 {
		o.LimitFillWait = 10 * time.Second
	}
	if o.LimitMaxRetries < 0 {
		o.LimitMaxRetries = 0
	}
	if o.SettleDeadline <= 0 {
		o.SettleDeadline = 30 * time.Second
	}
}

func (o Options) rewardRatio() float64 {
	if o.StopMult <= 0 {
		return 1.5
	}
	return o.TakeProfitMult / o.StopMult
}

// Manager owns the order lifecycle for entries and exits.
type Manager struct {
	ex      exchange.Exchange
	pacer   *limiter.OrderLimiter
	fees    *fees.Model
	gate    *risk.Gatekeeper
	book    *tracker.Tracker
	pairs   *oco.PairStore
	poller  *settle.Poller
	emitter *events.Emitter
	opts    Options
}

func NewManager(ex exchange.Exchange, pacer *limiter.OrderLimiter, feeModel *fees.Model,
	gate *risk.Gatekeeper, book *tracker.Tracker, pairs *oco.PairStore,
	poller *settle.Poller, emitter *events.Emitter, opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		ex:      ex,
		pacer:   pacer,
		fees:    feeModel,
		gate:    gate,
		book:    book,
		pairs:   pairs,
		poller:  poller,
		emitter: emitter,
		opts:    opts,
	}
}

// EntryResult reports what happened to a candidate signal. A rejection is a
// normal outcome: Rejected is true and Reason says why, with no error.
type EntryResult struct {
	Rejected bool
	Reason   string
	Position *types.Position
}

func rejected(format string, args ...any) EntryResult {
	return EntryResult{Rejected: true, Reason: fmt.Sprintf(format, args...)}
}

// ExecuteEntry sizes, admits and places one entry. The daily trade slot is
// consumed only after the fill is confirmed; an ambiguous outcome surfaces as
// an error and never silently becomes a position.
func (m *Manager) ExecuteEntry(ctx context.Context, signal types.TradeSignal, equity float64) (EntryResult, error) {
	if !signal.Side.Valid() {
		return rejected("invalid side %q", signal.Side), nil
	}
	if _, exists := m.book.Get(signal.Symbol); exists {
		return rejected("position already open for %s", signal.Symbol), nil
	}

	// Fee edge filter: expected move must clear round-trip costs with margin.
	required := m.fees.RequiredEdgePct(ctx, m.opts.Mode)
	if signal.EntryPrice > 0 && signal.StopDistance > 0 {
		expectedMove := signal.StopDistance * m.opts.rewardRatio() / signal.EntryPrice
		if req, _ := required.Float64(); expectedMove < req {
			return rejected("edge %.4f%% below required %.4f%%", expectedMove*100, req*100), nil
		}
	}

	limits, err := m.ex.MarketLimits(ctx, signal.Symbol)
	if err != nil {
		return EntryResult{}, fmt.Errorf("market limits for %s: %w", signal.Symbol, err)
	}
	m.book.SetMinNotional(signal.Symbol, limits.MinNotional)

	qty, err := sizeEntry(signal, equity, m.opts.RiskBudgetPct, limits)
	if err != nil {
		return rejected("sizing: %v", err), nil
	}

	decision := m.gate.Admit(signal, qty, equity, m.book.List())
	if !decision.Allowed {
		m.emitter.Emit(signal.Symbol, events.KindRiskRejected, "", "", decision.Reason)
		return rejected("%s", decision.Reason), nil
	}

	switch m.opts.Mode {
	case types.ModeLimitBracket:
		return m.limitBracketEntry(ctx, signal, qty, limits)
	default:
		return m.marketEntry(ctx, signal, qty)
	}
}

// marketEntry places a single market order and tracks mental protective
// levels around the confirmed fill price.
func (m *Manager) marketEntry(ctx context.Context, signal types.TradeSignal, qty float64) (EntryResult, error) {
	order, err := m.placeOrder(ctx, exchange.OrderRequest{
		Symbol:   signal.Symbol,
		Side:     entrySide(signal.Side),
		Type:     exchange.Market,
		Quantity: qty,
	})
	if err != nil {
		m.emitter.Emit(signal.Symbol, events.KindEntryFailed, "", "", err.Error())
		return EntryResult{}, err
	}
	m.emitter.Emit(signal.Symbol, events.KindEntryPlaced, "", string(types.StatusOpening),
		fmt.Sprintf("market %s qty=%.8f order=%s", signal.Side, qty, order.ID))

	fill, err := m.poller.AwaitSettlement(ctx, signal.Symbol, order.ID, m.opts.SettleDeadline)
	if err != nil && settle.IsTimeout(err) {
		fill, err = m.reconcileUnsettled(ctx, signal, order, err)
	}
	if err != nil {
		if settle.IsTimeout(err) {
			m.emitter.Emit(signal.Symbol, events.KindAnomaly, "", "",
				fmt.Sprintf("entry %s unsettled after %s, reconcile before retrying", order.ID, m.opts.SettleDeadline))
		} else {
			m.emitter.Emit(signal.Symbol, events.KindEntryFailed, "", "", err.Error())
		}
		return EntryResult{}, err
	}

	stop, target := protectiveLevels(signal.Side, fill.Price, signal.StopDistance, m.opts.rewardRatio())
	pos := types.Position{
		Symbol:       signal.Symbol,
		Side:         signal.Side,
		EntryPrice:   fill.Price,
		Quantity:     fill.Quantity,
		OpenedAt:     fill.FilledAt,
		StopLoss:     stop,
		TakeProfit:   target,
		Protection:   types.ProtectionMental,
		Status:       types.StatusOpen,
		EntryOrderID: order.ID,
	}
	if err := m.book.OpenPosition(pos); err != nil {
		// The fill is real even if tracking failed. Flag it loudly.
		m.emitter.Emit(signal.Symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("filled %.8f but tracking failed: %v", fill.Quantity, err))
		return EntryResult{}, err
	}
	if err := m.gate.RecordOpened(signal.Symbol); err != nil {
		logger.Errorf("entry %s: ledger update failed: %v", signal.Symbol, err)
	}
	m.emitter.Emit(signal.Symbol, events.KindEntryFilled,
		string(types.StatusOpening), string(types.StatusOpen),
		fmt.Sprintf("filled %.8f @ %.8f sl=%.8f tp=%.8f", fill.Quantity, fill.Price, stop, target))
	return EntryResult{Position: &pos}, nil
}

// reconcileUnsettled makes one last reconciliation attempt after the
// settlement deadline: an order-status read, then a balance check for venues
// where order state lags behind funds movement. The timeout stands only
// when both fail to confirm the fill, so an ambiguous entry can never turn
// into an untracked (orphaned) fill silently.
func (m *Manager) reconcileUnsettled(ctx context.Context, signal types.TradeSignal, order *exchange.Order, timeoutErr error) (*types.Fill, error) {
	final, err := m.ex.GetOrder(ctx, signal.Symbol, order.ID)
	if err == nil {
		if final.FillRatio() >= settle.FilledThreshold {
			logger.Warnf("entry %s: settled past the deadline (%.1f%% filled)", order.ID, final.FillRatio()*100)
			return settle.FillFromOrder(final), nil
		}
		if !final.Status.Open() && final.ExecutedQty == 0 {
			return nil, exchange.Definitive("order %s terminal without fill (%s)", order.ID, final.Status)
		}
		// Still working or partially filled: keep the ambiguous timeout.
		return nil, timeoutErr
	}

	// Order status unreadable. Fall back to the balance delta; a confirmed
	// arrival is tracked at the signal price since no fill price is known.
	if berr := m.poller.AwaitBalanceSettlement(ctx, signal.Symbol, entrySide(signal.Side),
		order.Quantity, signal.EntryPrice, m.opts.SettleDeadline); berr == nil {
		m.emitter.Emit(signal.Symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("entry %s confirmed by balance, fill price estimated at %.8f", order.ID, signal.EntryPrice))
		return &types.Fill{
			OrderID:  order.ID,
			Symbol:   signal.Symbol,
			Side:     string(entrySide(signal.Side)),
			Quantity: order.Quantity,
			Price:    signal.EntryPrice,
			FilledAt: time.Now(),
		}, nil
	}
	return nil, timeoutErr
}

// limitBracketEntry works the entry as a maker-priced limit order, repricing
// up to the retry budget, then hands the filled position exchange-native
// protection via an OCO pair. Partial fills accumulate across reprices; the
// bracket is placed exactly once, when the cumulative fill crosses the
// settled threshold.
func (m *Manager) limitBracketEntry(ctx context.Context, signal types.TradeSignal, qty float64, limits exchange.MarketLimits) (EntryResult, error) {
	var (
		cumQty   float64 // cumulative filled base quantity
		cumCost  float64 // cumulative filled notional, for the average price
		lastErr  error
		attempts = m.opts.LimitMaxRetries + 1
	)

	for attempt := 0; attempt < attempts; attempt++ {
		price, err := m.makerPrice(ctx, signal, limits)
		if err != nil {
			return EntryResult{}, err
		}
		remaining := roundDownToStep(qty-cumQty, limits.StepSize)
		if remaining <= 0 {
			break
		}

		order, err := m.placeOrder(ctx, exchange.OrderRequest{
			Symbol:   signal.Symbol,
			Side:     entrySide(signal.Side),
			Type:     exchange.Limit,
			Quantity: remaining,
			Price:    price,
		})
		if err != nil {
			m.emitter.Emit(signal.Symbol, events.KindEntryFailed, "", "", err.Error())
			return EntryResult{}, err
		}
		m.emitter.Emit(signal.Symbol, events.KindEntryPlaced, "", string(types.StatusOpening),
			fmt.Sprintf("limit %s qty=%.8f @ %.8f attempt=%d order=%s", signal.Side, remaining, price, attempt+1, order.ID))

		fill, err := m.poller.AwaitSettlement(ctx, signal.Symbol, order.ID, m.opts.LimitFillWait)
		if err == nil {
			cumQty += fill.Quantity
			cumCost += fill.Quantity * fill.Price
			break
		}
		if ctx.Err() != nil {
			return EntryResult{}, exchange.Ambiguous(ctx.Err())
		}

		// Timed out (or terminal without a full fill): cancel, collect
		// whatever partial fill the order got, and reprice the remainder.
		if cErr := m.ex.CancelOrder(ctx, signal.Symbol, order.ID); cErr != nil && !exchange.IsDefinitive(cErr) {
			return EntryResult{}, fmt.Errorf("cancel of stale entry %s ambiguous: %w", order.ID, cErr)
		}
		final, gErr := m.ex.GetOrder(ctx, signal.Symbol, order.ID)
		if gErr == nil && final.ExecutedQty > 0 {
			cumQty += final.ExecutedQty
			avg := final.AvgFillPrice
			if avg == 0 {
				avg = final.Price
			}
			cumCost += final.ExecutedQty * avg
		}
		lastErr = err
	}

	// Market fallback for the unfilled remainder.
	if cumQty/qty < settle.FilledThreshold && m.opts.MarketFallback {
		remaining := roundDownToStep(qty-cumQty, limits.StepSize)
		if remaining > 0 {
			order, err := m.placeOrder(ctx, exchange.OrderRequest{
				Symbol:   signal.Symbol,
				Side:     entrySide(signal.Side),
				Type:     exchange.Market,
				Quantity: remaining,
			})
			if err == nil {
				if fill, sErr := m.poller.AwaitSettlement(ctx, signal.Symbol, order.ID, m.opts.SettleDeadline); sErr == nil {
					cumQty += fill.Quantity
					cumCost += fill.Quantity * fill.Price
				} else {
					lastErr = sErr
				}
			} else {
				lastErr = err
			}
		}
	}

	if cumQty/qty < settle.FilledThreshold {
		if cumQty > 0 {
			// A real partial position exists; track it rather than orphan it.
			logger.Warnf("entry %s: only %.1f%% filled, tracking partial", signal.Symbol, cumQty/qty*100)
		} else {
			if lastErr == nil {
				lastErr = exchange.Definitive("entry for %s never filled", signal.Symbol)
			}
			m.emitter.Emit(signal.Symbol, events.KindEntryFailed, "", "", lastErr.Error())
			return EntryResult{}, lastErr
		}
	}

	avgPrice := cumCost / cumQty
	stop, target := protectiveLevels(signal.Side, avgPrice, signal.StopDistance, m.opts.rewardRatio())
	pos := types.Position{
		Symbol:     signal.Symbol,
		Side:       signal.Side,
		EntryPrice: avgPrice,
		Quantity:   cumQty,
		OpenedAt:   time.Now().UTC(),
		StopLoss:   stop,
		TakeProfit: target,
		Protection: types.ProtectionExchangeNative,
		Status:     types.StatusOpen,
	}
	if err := m.book.OpenPosition(pos); err != nil {
		m.emitter.Emit(signal.Symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("filled %.8f but tracking failed: %v", cumQty, err))
		return EntryResult{}, err
	}
	if err := m.gate.RecordOpened(signal.Symbol); err != nil {
		logger.Errorf("entry %s: ledger update failed: %v", signal.Symbol, err)
	}
	m.emitter.Emit(signal.Symbol, events.KindEntryFilled,
		string(types.StatusOpening), string(types.StatusOpen),
		fmt.Sprintf("filled %.8f @ %.8f (avg)", cumQty, avgPrice))

	if err := m.EnsureBracket(ctx, pos, limits); err != nil {
		m.emitter.Emit(signal.Symbol, events.KindAnomaly, "", "",
			fmt.Sprintf("position open but bracket placement failed: %v", err))
		return EntryResult{Position: &pos}, err
	}
	return EntryResult{Position: &pos}, nil
}

// EnsureBracket places the take-profit and stop legs for an exchange-native
// position, at most once: if a pair already exists for the symbol the call is
// a no-op, so repeated invocations on partial-fill progress cannot stack
// duplicate brackets.
func (m *Manager) EnsureBracket(ctx context.Context, pos types.Position, limits exchange.MarketLimits) error {
	_, exists, err := m.pairs.Get(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if exists {
		return m.pairs.UpdateFilled(ctx, pos.Symbol, pos.Quantity, true)
	}

	side := exitSide(pos.Side)
	roundUp := side == exchange.Sell // never undercut our own levels

	tp, err := m.placeOrder(ctx, exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     side,
		Type:     exchange.Limit,
		Quantity: pos.Quantity,
		Price:    roundToTick(pos.TakeProfit, limits.TickSize, roundUp),
	})
	if err != nil {
		return fmt.Errorf("take-profit leg: %w", err)
	}

	sl, err := m.placeOrder(ctx, exchange.OrderRequest{
		Symbol:    pos.Symbol,
		Side:      side,
		Type:      exchange.Limit,
		Quantity:  pos.Quantity,
		Price:     roundToTick(pos.StopLoss, limits.TickSize, !roundUp),
		StopPrice: pos.StopLoss,
	})
	if err != nil {
		// One-legged bracket is worse than none: pull the TP back.
		if cErr := m.ex.CancelOrder(ctx, pos.Symbol, tp.ID); cErr != nil {
			logger.Errorf("bracket %s: stop failed and tp cancel failed too: %v", pos.Symbol, cErr)
		}
		return fmt.Errorf("stop leg: %w", err)
	}

	return m.pairs.Put(ctx, oco.Pair{
		Symbol:             pos.Symbol,
		Side:               string(pos.Side),
		TakeProfitOrderID:  tp.ID,
		StopOrderID:        sl.ID,
		TotalQuantity:      pos.Quantity,
		FilledQuantity:     pos.Quantity,
		BracketInitialized: true,
	})
}

// makerPrice computes the passive limit price for an entry, snapped to tick
// on the non-aggressive side.
// Pacer exposes the shared order limiter for status reporting.
func (m *Manager) Pacer() *limiter.OrderLimiter { return m.pacer }

func (m *Manager) makerPrice(ctx context.Context, signal types.TradeSignal, limits exchange.MarketLimits) (float64, error) {
	quote, err := m.ex.GetPrice(ctx, signal.Symbol)
	if err != nil {
		return 0, fmt.Errorf("quote for %s: %w", signal.Symbol, err)
	}
	if signal.Side == types.SideShort {
		ref := quote.Ask
		if ref <= 0 {
			ref = quote.Last
		}
		return roundToTick(ref*(1+m.opts.LimitOffsetPct), limits.TickSize, true), nil
	}
	ref := quote.Bid
	if ref <= 0 {
		ref = quote.Last
	}
	return roundToTick(ref*(1-m.opts.LimitOffsetPct), limits.TickSize, false), nil
}

// placeOrder is the single funnel for order placement: pace through the
// shared limiter, tag with a client id, and reconcile ambiguous outcomes
// before reporting them upward.
func (m *Manager) placeOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if err := m.pacer.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if req.ClientID == "" {
		req.ClientID = "kbz-" + uuid.NewString()[:18]
	}
	order, err := m.ex.PlaceOrder(ctx, req)
	if err == nil {
		return order, nil
	}
	if exchange.IsDefinitive(err) {
		return nil, err
	}
	// Ambiguous: the order may be live. Look for it by client id before
	// concluding anything.
	if found, lErr := m.locateByClientID(ctx, req.Symbol, req.ClientID); lErr == nil && found != nil {
		logger.Warnf("place %s: ambiguous response but order %s is live", req.Symbol, found.ID)
		return found, nil
	}
	return nil, exchange.Ambiguous(fmt.Errorf("placement of %s %s unresolved: %v", req.Symbol, req.Side, err))
}

func (m *Manager) locateByClientID(ctx context.Context, symbol, clientID string) (*exchange.Order, error) {
	open, err := m.ex.ListOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	for i := range open {
		if open[i].ClientID == clientID {
			return &open[i], nil
		}
	}
	return nil, nil
}

// ExecuteExit closes a mentally protected position with a market order. The
// position is guarded against concurrent double-exits via the closing state;
// a confirmed partial exit reduces the tracked quantity instead of dropping it.
func (m *Manager) ExecuteExit(ctx context.Context, trigger types.ExitTrigger) (*types.Fill, error) {
	pos := trigger.Position
	if err := m.book.MarkClosing(pos.Symbol); err != nil {
		return nil, err
	}
	m.emitter.Emit(pos.Symbol, events.KindExitTriggered,
		string(types.StatusOpen), string(types.StatusClosing),
		fmt.Sprintf("%s at %.8f (level %.8f)", trigger.Kind, trigger.Price, trigger.Level))

	order, err := m.placeOrder(ctx, exchange.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exitSide(pos.Side),
		Type:     exchange.Market,
		Quantity: pos.Quantity,
	})
	if err != nil {
		if exchange.IsDefinitive(err) {
			// Nothing reached the books; the position is still whole.
			if rErr := m.book.ReopenAfterFailedExit(pos.Symbol); rErr != nil {
				logger.Errorf("exit %s: reopen after failed exit: %v", pos.Symbol, rErr)
			}
			return nil, err
		}
		// Ambiguous placement stays in closing: retrying now could double
		// the exit. Surfaced for reconciliation instead.
		m.emitter.Emit(pos.Symbol, events.KindAnomaly,
			string(types.StatusClosing), string(types.StatusClosing),
			fmt.Sprintf("exit placement ambiguous: %v", err))
		return nil, err
	}

	fill, err := m.poller.AwaitSettlement(ctx, pos.Symbol, order.ID, m.opts.SettleDeadline)
	if err != nil {
		m.emitter.Emit(pos.Symbol, events.KindAnomaly,
			string(types.StatusClosing), string(types.StatusClosing),
			fmt.Sprintf("exit %s unsettled: %v", order.ID, err))
		return nil, err
	}

	if fill.Quantity < pos.Quantity*settle.FilledThreshold {
		if _, rErr := m.book.ReduceQuantity(pos.Symbol, fill.Quantity); rErr != nil {
			return fill, rErr
		}
		m.emitter.Emit(pos.Symbol, events.KindExitFilled,
			string(types.StatusClosing), string(types.StatusOpen),
			fmt.Sprintf("partial exit %.8f of %.8f @ %.8f", fill.Quantity, pos.Quantity, fill.Price))
		return fill, nil
	}

	if _, err := m.book.ClosePosition(pos.Symbol); err != nil {
		return fill, err
	}
	m.emitter.Emit(pos.Symbol, events.KindExitFilled,
		string(types.StatusClosing), string(types.StatusClosed),
		fmt.Sprintf("%s exit %.8f @ %.8f", trigger.Kind, fill.Quantity, fill.Price))
	return fill, nil
}

// CloseBySymbol is the manual close path used by the operator API. It reuses
// the exit pipeline with a synthetic trigger at the current price.
func (m *Manager) CloseBySymbol(ctx context.Context, symbol, reason string) (*types.Fill, error) {
	pos, ok := m.book.Get(symbol)
	if !ok {
		return nil, tracker.ErrPositionNotFound
	}
	if pos.Protection == types.ProtectionExchangeNative {
		// Pull the bracket first so the manual close cannot race a leg fill.
		if pair, exists, err := m.pairs.Get(ctx, symbol); err == nil && exists {
			if deleted, _ := m.pairs.Delete(ctx, symbol); deleted {
				for _, id := range []string{pair.TakeProfitOrderID, pair.StopOrderID} {
					if err := m.ex.CancelOrder(ctx, symbol, id); err != nil && !exchange.IsDefinitive(err) {
						return nil, fmt.Errorf("cancel bracket leg %s: %w", id, err)
					}
				}
			}
		}
	}
	quote, err := m.ex.GetPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	trigger := types.ExitTrigger{
		Symbol:   symbol,
		Kind:     types.ExitKind("manual"),
		Level:    0,
		Price:    quote.Last,
		Position: pos,
	}
	logger.Infof("manual close %s: %s", symbol, reason)
	return m.ExecuteExit(ctx, trigger)
}

// ResolveOCOFill settles the tracker after the reconciler reports a filled
// bracket leg.
func (m *Manager) ResolveOCOFill(symbol string, res oco.Resolution) error {
	if res.Outcome == oco.NoChange {
		return nil
	}
	if _, err := m.book.ClosePosition(symbol); err != nil {
		return err
	}
	return nil
}
