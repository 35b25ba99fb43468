package config

import "path/filepath"

const (
	defaultAppEnv         = "dev"
	defaultAppLogLevel    = "info"
	defaultAppHTTPAddr    = ":9980"
	defaultAppDataDir     = "data"
	defaultExchangeName   = "binance"
	defaultExchangeTarget = "paper"
	defaultTimeoutSec     = 15
	defaultBreakerTrips   = 5
	defaultBreakerCoolSec = 120

	defaultMaxOrdersPerWindow = 15
	defaultWindowSeconds      = 60
	defaultMinDelayMS         = 250

	defaultFeeCacheTTLSec   = 3600
	defaultSafetyMultiplier = 1.25
	defaultMakerPct         = 0.0016
	defaultTakerPct         = 0.0026

	defaultMaxTradesPerSymbol = 10
	defaultMaxTradesTotal     = 30
	defaultMaxActiveRiskPct   = 0.02
	defaultRiskBudgetPct      = 0.01

	defaultExecutionMode  = "market_only"
	defaultStopATRMult    = 2.0
	defaultTPATRMult      = 3.0
	defaultLimitOffsetPct = 0.001
	defaultLimitTimeoutMS = 30_000
	defaultLimitRetries   = 3

	defaultSettleDeadlineMS = 30_000
	defaultBackoffBaseMS    = 500
	defaultBackoffCapMS     = 2000

	defaultPaperBalance = 10_000.0

	defaultStrategyInterval = "5m"
	defaultLookbackBars     = 20
	defaultATRPeriod        = 14

	defaultIntervalMinutes = 5
	defaultMaxConcurrent   = 4
)

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultAppEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = defaultAppHTTPAddr
	}
	if c.App.DataDir == "" {
		c.App.DataDir = defaultAppDataDir
	}
	if c.Exchange.Name == "" {
		c.Exchange.Name = defaultExchangeName
	}
	if c.Exchange.Target == "" {
		c.Exchange.Target = defaultExchangeTarget
	}
	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = defaultTimeoutSec
	}
	if c.Exchange.BreakerTrips <= 0 {
		c.Exchange.BreakerTrips = defaultBreakerTrips
	}
	if c.Exchange.BreakerCoolSec <= 0 {
		c.Exchange.BreakerCoolSec = defaultBreakerCoolSec
	}
	if c.Limiter.MaxOrdersPerWindow <= 0 {
		c.Limiter.MaxOrdersPerWindow = defaultMaxOrdersPerWindow
	}
	if c.Limiter.WindowSeconds <= 0 {
		c.Limiter.WindowSeconds = defaultWindowSeconds
	}
	if c.Limiter.MinDelayMS <= 0 {
		c.Limiter.MinDelayMS = defaultMinDelayMS
	}
	if c.Fees.CacheTTLSeconds <= 0 {
		c.Fees.CacheTTLSeconds = defaultFeeCacheTTLSec
	}
	if c.Fees.SafetyMultiplier <= 0 {
		c.Fees.SafetyMultiplier = defaultSafetyMultiplier
	}
	if c.Fees.DefaultMakerPct <= 0 {
		c.Fees.DefaultMakerPct = defaultMakerPct
	}
	if c.Fees.DefaultTakerPct <= 0 {
		c.Fees.DefaultTakerPct = defaultTakerPct
	}
	if c.Risk.MaxTradesPerSymbol <= 0 {
		c.Risk.MaxTradesPerSymbol = defaultMaxTradesPerSymbol
	}
	if c.Risk.MaxTradesTotal <= 0 {
		c.Risk.MaxTradesTotal = defaultMaxTradesTotal
	}
	if c.Risk.MaxActiveRiskPct <= 0 {
		c.Risk.MaxActiveRiskPct = defaultMaxActiveRiskPct
	}
	if c.Risk.RiskBudgetPct <= 0 {
		c.Risk.RiskBudgetPct = defaultRiskBudgetPct
	}
	if c.Risk.LedgerPath == "" {
		c.Risk.LedgerPath = filepath.Join(c.App.DataDir, "daily_limits.json")
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = defaultExecutionMode
	}
	if c.Execution.StopATRMult <= 0 {
		c.Execution.StopATRMult = defaultStopATRMult
	}
	if c.Execution.TakeProfitATRMult <= 0 {
		c.Execution.TakeProfitATRMult = defaultTPATRMult
	}
	if c.Execution.LimitOffsetPct <= 0 {
		c.Execution.LimitOffsetPct = defaultLimitOffsetPct
	}
	if c.Execution.LimitFillTimeoutMS <= 0 {
		c.Execution.LimitFillTimeoutMS = defaultLimitTimeoutMS
	}
	if c.Execution.LimitMaxRetries <= 0 {
		c.Execution.LimitMaxRetries = defaultLimitRetries
	}
	if c.Execution.PositionsPath == "" {
		c.Execution.PositionsPath = filepath.Join(c.App.DataDir, "open_positions.json")
	}
	if c.Execution.PairDBPath == "" {
		c.Execution.PairDBPath = filepath.Join(c.App.DataDir, "bracket_pairs.db")
	}
	if c.Execution.TelemetryDBPath == "" {
		c.Execution.TelemetryDBPath = filepath.Join(c.App.DataDir, "telemetry.db")
	}
	if c.Settlement.DeadlineMS <= 0 {
		c.Settlement.DeadlineMS = defaultSettleDeadlineMS
	}
	if c.Settlement.BackoffBaseMS <= 0 {
		c.Settlement.BackoffBaseMS = defaultBackoffBaseMS
	}
	if c.Settlement.BackoffCapMS <= 0 {
		c.Settlement.BackoffCapMS = defaultBackoffCapMS
	}
	if c.Exchange.PaperBalance <= 0 {
		c.Exchange.PaperBalance = defaultPaperBalance
	}
	if c.Strategy.Interval == "" {
		c.Strategy.Interval = defaultStrategyInterval
	}
	if c.Strategy.LookbackBars <= 0 {
		c.Strategy.LookbackBars = defaultLookbackBars
	}
	if c.Strategy.ATRPeriod <= 0 {
		c.Strategy.ATRPeriod = defaultATRPeriod
	}
	if c.Engine.IntervalMinutes <= 0 {
		c.Engine.IntervalMinutes = defaultIntervalMinutes
	}
	if c.Engine.MaxConcurrent <= 0 {
		c.Engine.MaxConcurrent = defaultMaxConcurrent
	}
}
