// Package app assembles the trading process from configuration: gateway,
// stores, execution pipeline, engine, scheduler and the operator API.
package app

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"krakenbotzyn/internal/config"
	"krakenbotzyn/internal/engine"
	"krakenbotzyn/internal/events"
	"krakenbotzyn/internal/executor"
	"krakenbotzyn/internal/fees"
	"krakenbotzyn/internal/gateway/binance"
	"krakenbotzyn/internal/gateway/exchange"
	"krakenbotzyn/internal/gateway/paper"
	"krakenbotzyn/internal/limiter"
	"krakenbotzyn/internal/logger"
	"krakenbotzyn/internal/oco"
	"krakenbotzyn/internal/pkg/circuit"
	"krakenbotzyn/internal/risk"
	"krakenbotzyn/internal/scheduler"
	"krakenbotzyn/internal/settle"
	"krakenbotzyn/internal/store/telemetry"
	"krakenbotzyn/internal/strategy"
	"krakenbotzyn/internal/tracker"
	apihttp "krakenbotzyn/internal/transport/http"
	"krakenbotzyn/internal/types"
)

// App is the fully wired process.
type App struct {
	cfg     *config.Config
	eng     *engine.Engine
	server  *apihttp.Server
	paperEx *paper.Exchange

	pairs *oco.PairStore
	store *telemetry.Store
}

func NewApp(cfg *config.Config) (*App, error) {
	breaker := circuit.NewBreaker("exchange",
		cfg.Exchange.BreakerTrips,
		time.Duration(cfg.Exchange.BreakerCoolSec)*time.Second)

	live := binance.New(binance.Config{
		APIKey:      cfg.Exchange.APIKey,
		APISecret:   cfg.Exchange.APISecret,
		HTTPTimeout: time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
		Breaker:     breaker,
	})

	var ex exchange.Exchange = live
	var paperEx *paper.Exchange
	if strings.ToLower(cfg.Exchange.Target) == "paper" {
		paperEx = paper.New(live, "USDT", cfg.Exchange.PaperBalance)
		ex = paperEx
		logger.Infof("app: paper trading against live %s prices, starting balance %.2f USDT",
			cfg.Exchange.Name, cfg.Exchange.PaperBalance)
	}

	book, err := tracker.Open(cfg.Execution.PositionsPath)
	if err != nil {
		return nil, err
	}
	ledger, err := risk.OpenLedger(cfg.Risk.LedgerPath)
	if err != nil {
		return nil, err
	}
	gate := risk.NewGatekeeper(ledger, risk.Limits{
		MaxTradesPerSymbol: cfg.Risk.MaxTradesPerSymbol,
		MaxTradesTotal:     cfg.Risk.MaxTradesTotal,
		MaxActiveRiskPct:   cfg.Risk.MaxActiveRiskPct,
	})
	pairs, err := oco.OpenPairStore(cfg.Execution.PairDBPath)
	if err != nil {
		return nil, err
	}
	store, err := telemetry.Open(cfg.Execution.TelemetryDBPath)
	if err != nil {
		pairs.Close()
		return nil, err
	}

	emitter := events.NewEmitter(events.LogSink{}, store)
	pacer := limiter.New(
		cfg.Limiter.MaxOrdersPerWindow,
		time.Duration(cfg.Limiter.WindowSeconds)*time.Second,
		time.Duration(cfg.Limiter.MinDelayMS)*time.Millisecond)
	feeModel := fees.NewModel(ex, fees.Options{
		TTL:              time.Duration(cfg.Fees.CacheTTLSeconds) * time.Second,
		SafetyMultiplier: cfg.Fees.SafetyMultiplier,
		DefaultMakerPct:  cfg.Fees.DefaultMakerPct,
		DefaultTakerPct:  cfg.Fees.DefaultTakerPct,
	})
	poller := settle.NewPoller(ex, settle.Exponential{
		Base: time.Duration(cfg.Settlement.BackoffBaseMS) * time.Millisecond,
		Cap:  time.Duration(cfg.Settlement.BackoffCapMS) * time.Millisecond,
	})

	mode := types.ExecutionMode(cfg.Execution.Mode)
	mgr := executor.NewManager(ex, pacer, feeModel, gate, book, pairs, poller, emitter, executor.Options{
		Mode:            mode,
		RiskBudgetPct:   cfg.Risk.RiskBudgetPct,
		StopMult:        cfg.Execution.StopATRMult,
		TakeProfitMult:  cfg.Execution.TakeProfitATRMult,
		LimitOffsetPct:  cfg.Execution.LimitOffsetPct,
		LimitFillWait:   time.Duration(cfg.Execution.LimitFillTimeoutMS) * time.Millisecond,
		LimitMaxRetries: cfg.Execution.LimitMaxRetries,
		MarketFallback:  cfg.Execution.MarketFallback,
		SettleDeadline:  time.Duration(cfg.Settlement.DeadlineMS) * time.Millisecond,
	})
	reconciler := oco.NewReconciler(ex, pairs, emitter)

	// Candles always come from the live venue; in paper mode only orders and
	// balances are simulated.
	source := strategy.NewBreakout(live, strategy.Options{
		Interval:   cfg.Strategy.Interval,
		Lookback:   cfg.Strategy.LookbackBars,
		ATRPeriod:  cfg.Strategy.ATRPeriod,
		ATRMult:    cfg.Execution.StopATRMult,
		AllowShort: cfg.Strategy.AllowShort,
	})

	eng := engine.New(ex, mgr, book, gate, feeModel, reconciler, source, emitter, store, engine.Options{
		Symbols:       cfg.Engine.Symbols,
		Mode:          mode,
		MaxConcurrent: cfg.Engine.MaxConcurrent,
	})

	server, err := apihttp.NewServer(cfg.App.HTTPAddr, eng)
	if err != nil {
		pairs.Close()
		store.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		eng:     eng,
		server:  server,
		paperEx: paperEx,
		pairs:   pairs,
		store:   store,
	}, nil
}

// Run blocks until SIGINT/SIGTERM or a fatal component error.
func (a *App) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.pairs.Close()
	defer a.store.Close()

	if err := a.eng.Startup(ctx); err != nil {
		return err
	}

	sched := scheduler.NewAlignedScheduler(ctx,
		time.Duration(a.cfg.Engine.IntervalMinutes)*time.Minute,
		time.Duration(a.cfg.Engine.OffsetSeconds)*time.Second)
	sched.RunImmediately = a.cfg.Engine.RunImmediately

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(gctx)
	})
	g.Go(func() error {
		sched.Start(func() {
			if a.paperEx != nil {
				a.paperEx.MarkToMarket(gctx)
			}
			a.eng.Cycle(gctx)
		})
		return nil
	})

	err := g.Wait()
	logger.Infof("app: shut down")
	return err
}
