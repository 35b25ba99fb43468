package config

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the whole runtime configuration, loaded from one YAML file.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Limiter    LimiterConfig    `mapstructure:"limiter"`
	Fees       FeesConfig       `mapstructure:"fees"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
	HTTPAddr string `mapstructure:"http_addr"`
	DataDir  string `mapstructure:"data_dir"`
}

type ExchangeConfig struct {
	Name           string  `mapstructure:"name"`
	APIKey         string  `mapstructure:"api_key"`
	APISecret      string  `mapstructure:"api_secret"`
	Target         string  `mapstructure:"target"` // live | paper
	PaperBalance   float64 `mapstructure:"paper_balance"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	BreakerTrips   int     `mapstructure:"breaker_trips"`
	BreakerCoolSec int     `mapstructure:"breaker_cooldown_seconds"`
}

type LimiterConfig struct {
	MaxOrdersPerWindow int `mapstructure:"max_orders_per_window"`
	WindowSeconds      int `mapstructure:"window_seconds"`
	MinDelayMS         int `mapstructure:"min_delay_ms"`
}

type FeesConfig struct {
	CacheTTLSeconds  int     `mapstructure:"cache_ttl_seconds"`
	SafetyMultiplier float64 `mapstructure:"safety_multiplier"`
	DefaultMakerPct  float64 `mapstructure:"default_maker_pct"`
	DefaultTakerPct  float64 `mapstructure:"default_taker_pct"`
}

type RiskConfig struct {
	MaxTradesPerSymbol int     `mapstructure:"max_trades_per_symbol"`
	MaxTradesTotal     int     `mapstructure:"max_trades_total"`
	MaxActiveRiskPct   float64 `mapstructure:"max_active_risk_pct"`
	RiskBudgetPct      float64 `mapstructure:"risk_budget_pct"`
	LedgerPath         string  `mapstructure:"ledger_path"`
}

type ExecutionConfig struct {
	Mode               string  `mapstructure:"mode"` // market_only | limit_bracket
	StopATRMult        float64 `mapstructure:"stop_atr_mult"`
	TakeProfitATRMult  float64 `mapstructure:"take_profit_atr_mult"`
	LimitOffsetPct     float64 `mapstructure:"limit_offset_pct"`
	LimitFillTimeoutMS int     `mapstructure:"limit_fill_timeout_ms"`
	LimitMaxRetries    int     `mapstructure:"limit_max_retries"`
	MarketFallback     bool    `mapstructure:"market_fallback"`
	PositionsPath      string  `mapstructure:"positions_path"`
	PairDBPath         string  `mapstructure:"pair_db_path"`
	TelemetryDBPath    string  `mapstructure:"telemetry_db_path"`
}

type SettlementConfig struct {
	DeadlineMS    int `mapstructure:"deadline_ms"`
	BackoffBaseMS int `mapstructure:"backoff_base_ms"`
	BackoffCapMS  int `mapstructure:"backoff_cap_ms"`
}

type StrategyConfig struct {
	Interval     string `mapstructure:"interval"`
	LookbackBars int    `mapstructure:"lookback_bars"`
	ATRPeriod    int    `mapstructure:"atr_period"`
	AllowShort   bool   `mapstructure:"allow_short"`
}

type EngineConfig struct {
	Symbols         []string `mapstructure:"symbols"`
	IntervalMinutes int      `mapstructure:"interval_minutes"`
	OffsetSeconds   int      `mapstructure:"offset_seconds"`
	MaxConcurrent   int      `mapstructure:"max_concurrent"`
	RunImmediately  bool     `mapstructure:"run_immediately"`
}

// Load reads the YAML file at path, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", abs, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
