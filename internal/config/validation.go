package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	switch strings.ToLower(c.Exchange.Target) {
	case "live", "paper":
	default:
		return fmt.Errorf("exchange.target must be live or paper, got %q", c.Exchange.Target)
	}
	if strings.ToLower(c.Exchange.Target) == "live" {
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			return fmt.Errorf("exchange.api_key and exchange.api_secret are required for live trading")
		}
	}
	switch c.Execution.Mode {
	case "market_only", "limit_bracket":
	default:
		return fmt.Errorf("execution.mode must be market_only or limit_bracket, got %q", c.Execution.Mode)
	}
	if c.Execution.TakeProfitATRMult <= c.Execution.StopATRMult {
		return fmt.Errorf("execution.take_profit_atr_mult (%.2f) must exceed stop_atr_mult (%.2f)",
			c.Execution.TakeProfitATRMult, c.Execution.StopATRMult)
	}
	if c.Fees.SafetyMultiplier <= 1 {
		return fmt.Errorf("fees.safety_multiplier must be > 1, got %.2f", c.Fees.SafetyMultiplier)
	}
	if c.Risk.MaxActiveRiskPct <= 0 || c.Risk.MaxActiveRiskPct >= 1 {
		return fmt.Errorf("risk.max_active_risk_pct must be in (0, 1), got %.4f", c.Risk.MaxActiveRiskPct)
	}
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must list at least one trading pair")
	}
	return nil
}
