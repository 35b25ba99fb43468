// Package engine drives the trading cycle: exit checks, OCO reconciliation,
// then admission and execution of new signals. Each cycle is fault-isolated
// per symbol, so one bad market cannot stall the rest of the book.
package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/executor"
	"krakenbotzyn/internal/fees"
	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/limiter"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/oco"
	"krakenbotzyn/internal/risk"
	"krakenbotzyn/internal/store/telemetry"
	"krakenbotzyn/internal/tracker"
	"krakenbotzyn/internal/types"
)

// SignalSource produces trade candidates for one cycle. The engine pulls;
// sources never push mid-cycle.
type SignalSource interface {
	Signals(ctx context.Context, symbols []string) ([]types.TradeSignal, error)
}

// Options tunes the cycle loop.
type Options struct {
	Symbols       []string
	Mode          types.ExecutionMode
	MaxConcurrent int
	CycleTimeout  time.Duration
}

// Engine owns one trading loop over a fixed symbol set.
type Engine struct {
	ex         exchange.Exchange
	mgr        *executor.Manager
	book       *tracker.Tracker
	gate       *risk.Gatekeeper
	feeModel   *fees.Model
	reconciler *oco.Reconciler
	source     SignalSource
	emitter    *events.Emitter
	store      *telemetry.Store
	opts       Options

	paused atomic.Bool
	cycles atomic.Int64
}

func New(ex exchange.Exchange, mgr *executor.Manager, book *tracker.Tracker,
	gate *risk.Gatekeeper, feeModel *fees.Model, reconciler *oco.Reconciler,
	source SignalSource, emitter *events.Emitter, store *telemetry.Store, opts Options) *Engine {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 4 * time.Minute
	}
	return &Engine{
		ex:         ex,
		mgr:        mgr,
		book:       book,
		gate:       gate,
		feeModel:   feeModel,
		reconciler: reconciler,
		source:     source,
		emitter:    emitter,
		store:      store,
		opts:       opts,
	}
}

// Pause stops new entries and exits from the next cycle on. In-flight orders
// finish normally.
func (e *Engine) Pause() {
	e.paused.Store(true)
	logger.Warnf("engine: paused by operator")
}

func (e *Engine) Resume() {
	e.paused.Store(false)
	logger.Infof("engine: resumed by operator")
}

func (e *Engine) Paused() bool { return e.paused.Load() }

// Startup verifies stored state against the exchange. It must run before the
// first cycle: a corrupt position file or orphaned bracket leg is resolved
// here, not mid-trade.
func (e *Engine) Startup(ctx context.Context) error {
	rebuild := e.book.NeedsReconciliation()
	if rebuild {
		logger.Warnf("engine: position store was unreadable, checking live exchange state")
		e.emitter.Emit("", events.KindReconciliation, "", "",
			"position store unreadable at startup, reconciling against live exchange state")
	}

	// Resolve any brackets that concluded while we were down.
	symbols, err := e.reconciler.Symbols(ctx)
	if err != nil {
		return fmt.Errorf("startup: list oco pairs: %w", err)
	}
	for _, symbol := range symbols {
		res, err := e.reconciler.Reconcile(ctx, symbol)
		if err != nil {
			logger.Errorf("startup: oco reconcile %s: %v", symbol, err)
			continue
		}
		if res.Outcome != oco.NoChange {
			if err := e.mgr.ResolveOCOFill(symbol, res); err != nil {
				logger.Errorf("startup: resolve oco fill %s: %v", symbol, err)
			}
		}
	}

	if rebuild {
		// Trading must not resume on unverified state: a failed inspection
		// leaves the flag set, which keeps new entries blocked.
		if err := e.inspectLiveState(ctx); err != nil {
			return fmt.Errorf("startup: live state inspection: %w", err)
		}
	}

	e.book.MarkReconciled()
	logger.Infof("engine: startup reconciliation complete, %d positions open", len(e.book.List()))
	return nil
}

// inspectLiveState cross-checks open orders and balances against the book
// after a corrupt position store. Orders and holdings with no tracked
// position are surfaced as anomalies for the operator to cancel or adopt.
func (e *Engine) inspectLiveState(ctx context.Context) error {
	bracketed := map[string]bool{}
	if symbols, err := e.reconciler.Symbols(ctx); err == nil {
		for _, s := range symbols {
			bracketed[s] = true
		}
	}
	for _, symbol := range e.opts.Symbols {
		orders, err := e.ex.ListOpenOrders(ctx, symbol)
		if err != nil {
			return fmt.Errorf("open orders for %s: %w", symbol, err)
		}
		_, tracked := e.book.Get(symbol)
		if len(orders) > 0 && !tracked && !bracketed[symbol] {
			e.emitter.Emit(symbol, events.KindAnomaly, "", "",
				fmt.Sprintf("%d open order(s) with no tracked position, cancel or adopt manually", len(orders)))
		}
	}

	balance, err := e.ex.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	for asset, free := range balance.Assets {
		if asset == balance.QuoteCurrency || free <= 0 || e.bookHoldsAsset(asset) {
			continue
		}
		e.emitter.Emit(asset, events.KindAnomaly, "", "",
			fmt.Sprintf("untracked %s holding (%.8f free), not covered by any position", asset, free))
	}
	return nil
}

func (e *Engine) bookHoldsAsset(asset string) bool {
	for _, p := range e.book.List() {
		if strings.HasPrefix(p.Symbol, asset) {
			return true
		}
	}
	return false
}

// Cycle runs one full pass: prices, exits, OCO resolution, then new entries.
// Intended to be driven by the aligned scheduler.
func (e *Engine) Cycle(parent context.Context) {
	n := e.cycles.Add(1)
	if e.paused.Load() {
		logger.Infof("engine: cycle %d skipped, paused", n)
		return
	}
	ctx, cancel := context.WithTimeout(parent, e.opts.CycleTimeout)
	defer cancel()

	start := time.Now()
	logger.Infof("engine: cycle %d started", n)

	prices := e.fetchPrices(ctx)
	e.runExits(ctx, prices)
	e.runOCOReconciliation(ctx)
	e.surfaceDust(prices)
	e.runEntries(ctx)

	logger.Infof("engine: cycle %d finished in %s", n, time.Since(start).Round(time.Millisecond))
}

// fetchPrices collects quotes for the configured symbols plus any symbol with
// an open position (which may have been configured out since it opened).
func (e *Engine) fetchPrices(ctx context.Context) map[string]float64 {
	want := map[string]struct{}{}
	for _, s := range e.opts.Symbols {
		want[s] = struct{}{}
	}
	for _, p := range e.book.List() {
		want[p.Symbol] = struct{}{}
	}

	prices := make(map[string]float64, len(want))
	for symbol := range want {
		quote, err := e.ex.GetPrice(ctx, symbol)
		if err != nil {
			logger.Warnf("engine: price for %s unavailable: %v", symbol, err)
			continue
		}
		if quote.Last > 0 {
			prices[symbol] = quote.Last
		}
	}
	return prices
}

// runExits evaluates mental protective levels and closes everything that
// fired, concurrently but bounded.
func (e *Engine) runExits(ctx context.Context, prices map[string]float64) {
	triggers := e.book.CheckExits(prices)
	if len(triggers) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)
	for _, trigger := range triggers {
		trigger := trigger
		g.Go(func() error {
			defer e.recoverCycle(trigger.Symbol)
			fill, err := e.mgr.ExecuteExit(gctx, trigger)
			if err != nil {
				logger.Errorf("engine: exit %s failed: %v", trigger.Symbol, err)
				return nil // isolated: other symbols continue
			}
			e.recordClosedTrade(trigger.Position, fill, string(trigger.Kind))
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) runOCOReconciliation(ctx context.Context) {
	symbols, err := e.reconciler.Symbols(ctx)
	if err != nil {
		logger.Errorf("engine: list oco pairs: %v", err)
		return
	}
	for _, symbol := range symbols {
		res, err := e.reconciler.Reconcile(ctx, symbol)
		if err != nil {
			logger.Errorf("engine: oco reconcile %s: %v", symbol, err)
			continue
		}
		if res.Outcome == oco.NoChange {
			continue
		}
		pos, tracked := e.book.Get(symbol)
		if !tracked {
			// Pair outlived the position record (e.g. store loss across a
			// restart); a zero-entry trade row would be garbage.
			e.emitter.Emit(symbol, events.KindAnomaly, "", "",
				fmt.Sprintf("oco pair resolved (%s) but no tracked position, trade not recorded", res.Outcome))
			continue
		}
		if err := e.mgr.ResolveOCOFill(symbol, res); err != nil {
			logger.Errorf("engine: resolve oco fill %s: %v", symbol, err)
			continue
		}
		if res.Filled != nil {
			fill := types.Fill{
				OrderID:  res.Filled.ID,
				Symbol:   symbol,
				Quantity: res.Filled.ExecutedQty,
				Price:    res.Filled.AvgFillPrice,
				FilledAt: res.Filled.UpdatedAt,
			}
			e.recordClosedTrade(pos, &fill, string(res.Outcome))
		}
	}
}

func (e *Engine) surfaceDust(prices map[string]float64) {
	for _, p := range e.book.DustPositions(prices) {
		logger.Warnf("engine: %s position (%.8f) is below exchange minimum, cannot close automatically",
			p.Symbol, p.Quantity)
	}
}

// runEntries pulls this cycle's signals and executes them. Equity is read
// once per cycle so all candidates are judged against the same book value.
func (e *Engine) runEntries(ctx context.Context) {
	if e.source == nil {
		return
	}
	if e.book.NeedsReconciliation() {
		logger.Warnf("engine: entries blocked until the position store is reconciled")
		return
	}
	signals, err := e.source.Signals(ctx, e.opts.Symbols)
	if err != nil {
		logger.Errorf("engine: signal source failed: %v", err)
		return
	}
	if len(signals) == 0 {
		return
	}

	balance, err := e.ex.GetBalance(ctx)
	if err != nil {
		logger.Errorf("engine: balance unavailable, skipping entries: %v", err)
		return
	}
	equity := balance.Total

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrent)
	for _, signal := range signals {
		signal := signal
		g.Go(func() error {
			defer e.recoverCycle(signal.Symbol)
			res, err := e.mgr.ExecuteEntry(gctx, signal, equity)
			if err != nil {
				logger.Errorf("engine: entry %s failed: %v", signal.Symbol, err)
				return nil
			}
			if res.Rejected {
				logger.Infof("engine: entry %s rejected: %s", signal.Symbol, res.Reason)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// recoverCycle keeps a panicking symbol from taking the whole process down.
func (e *Engine) recoverCycle(symbol string) {
	if r := recover(); r != nil {
		logger.Errorf("engine: panic handling %s: %v\n%s", symbol, r, debug.Stack())
		e.emitter.Emit(symbol, events.KindAnomaly, "", "", fmt.Sprintf("panic recovered: %v", r))
	}
}

func (e *Engine) recordClosedTrade(pos types.Position, fill *types.Fill, reason string) {
	if e.store == nil || fill == nil {
		return
	}
	pnl := (fill.Price - pos.EntryPrice) * fill.Quantity
	if pos.Side == types.SideShort {
		pnl = -pnl
	}
	e.store.SaveClosedTrade(telemetry.ClosedTrade{
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		EntryPrice: pos.EntryPrice,
		ExitPrice:  fill.Price,
		Quantity:   fill.Quantity,
		Fees:       fill.Fee,
		PnL:        pnl - fill.Fee,
		ExitReason: reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   fill.FilledAt,
	})
}

// RiskSummary is the operator view of current risk usage.
type RiskSummary struct {
	Date            string         `json:"date"`
	TradesBySymbol  map[string]int `json:"trades_by_symbol"`
	TradesTotal     int            `json:"trades_total"`
	OpenPositions   int            `json:"open_positions"`
	OpenRisk        float64        `json:"open_risk"`
	OpenRiskKnown   bool           `json:"open_risk_known"`
	MaxActiveRisk   float64        `json:"max_active_risk_pct"`
	RequiredEdgePct float64        `json:"required_edge_pct"`
	Paused          bool           `json:"paused"`
	CyclesCompleted int64          `json:"cycles_completed"`
	Limiter         limiter.Stats  `json:"limiter"`
}

func (e *Engine) RiskSummary() RiskSummary {
	date, bySymbol, total := e.gate.Ledger().Status()
	open := e.book.List()
	summary := RiskSummary{
		Date:            date,
		TradesBySymbol:  bySymbol,
		TradesTotal:     total,
		OpenPositions:   len(open),
		MaxActiveRisk:   e.gate.MaxActiveRiskPct(),
		Paused:          e.paused.Load(),
		CyclesCompleted: e.cycles.Load(),
		Limiter:         e.mgr.Pacer().Snapshot(),
	}
	if aggregate, err := risk.OpenRisk(open); err == nil {
		summary.OpenRisk = aggregate
		summary.OpenRiskKnown = true
	}
	if e.feeModel != nil {
		summary.RequiredEdgePct, _ = e.feeModel.RequiredEdgePct(context.Background(), e.opts.Mode).Float64()
	}
	return summary
}

// Positions exposes the tracked book for the operator API.
func (e *Engine) Positions() []types.Position { return e.book.List() }

// Position returns one symbol's tracked position.
func (e *Engine) Position(symbol string) (types.Position, bool) { return e.book.Get(symbol) }

// Close manually closes one position via the executor pipeline.
func (e *Engine) Close(ctx context.Context, symbol, reason string) (*types.Fill, error) {
	pos, ok := e.book.Get(symbol)
	if !ok {
		return nil, tracker.ErrPositionNotFound
	}
	fill, err := e.mgr.CloseBySymbol(ctx, symbol, reason)
	if err != nil {
		return nil, err
	}
	e.recordClosedTrade(pos, fill, "manual: "+reason)
	return fill, nil
}

// Events returns recent transition events, newest first.
func (e *Engine) Events(limit int) ([]events.Event, error) {
	if e.store == nil {
		return nil, fmt.Errorf("telemetry store not configured")
	}
	return e.store.RecentEvents(limit)
}
