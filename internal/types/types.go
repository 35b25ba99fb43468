// Package types holds the core domain values shared by the execution engine:
// trade signals coming in from the strategy layer, tracked positions, and the
// fills produced by the exchange.
package types

import "time"

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side that closes this one.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// ExecutionMode selects the entry strategy used by the execution manager.
type ExecutionMode string

const (
	// ModeMarketOnly places a single market entry and tracks protective
	// levels locally ("mental" stops).
	ModeMarketOnly ExecutionMode = "market_only"
	// ModeLimitBracket places a maker-priced limit entry and, once filled,
	// an exchange-native take-profit/stop-loss pair.
	ModeLimitBracket ExecutionMode = "limit_bracket"
)

// ExecutionTarget selects where orders actually go.
type ExecutionTarget string

const (
	TargetLive  ExecutionTarget = "live"
	TargetPaper ExecutionTarget = "paper"
)

// ProtectionKind says who owns the protective levels of a position.
type ProtectionKind string

const (
	ProtectionMental         ProtectionKind = "mental"
	ProtectionExchangeNative ProtectionKind = "exchange_native"
)

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	StatusOpening PositionStatus = "opening"
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
)

// Active reports whether the status still occupies the per-symbol slot.
func (s PositionStatus) Active() bool {
	return s == StatusOpening || s == StatusOpen || s == StatusClosing
}

// TradeSignal is the immutable input produced by the strategy layer.
// The engine consumes it read-only; StopDistance is the estimated adverse
// excursion (typically an ATR multiple) used for sizing and stop placement.
type TradeSignal struct {
	Symbol       string  `json:"symbol"`
	Side         Side    `json:"side"`
	EntryPrice   float64 `json:"entry_price"`
	StopDistance float64 `json:"stop_distance"`
	Confidence   float64 `json:"confidence"`
}

// Position is a tracked position with its protective levels. Once opened it is
// owned exclusively by the position tracker; everyone else works on copies.
type Position struct {
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	EntryPrice float64        `json:"entry_price"`
	Quantity   float64        `json:"quantity"`
	OpenedAt   time.Time      `json:"opened_at"`
	StopLoss   float64        `json:"stop_loss_price"`
	TakeProfit float64        `json:"take_profit_price"`
	Protection ProtectionKind `json:"protection_kind"`
	Status     PositionStatus `json:"status"`

	// EntryOrderID ties the position back to the exchange order that
	// created it, for reconciliation after restarts.
	EntryOrderID string `json:"entry_order_id,omitempty"`
	Source       string `json:"source,omitempty"`
}

// RiskPerUnit is the stop distance of the position in quote currency per unit.
// Zero or negative means the stop is on the wrong side of the entry.
func (p Position) RiskPerUnit() float64 {
	if p.Side == SideShort {
		return p.StopLoss - p.EntryPrice
	}
	return p.EntryPrice - p.StopLoss
}

// Fill is the confirmed execution of one exchange order.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"` // exchange side: buy or sell
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	FeeCurrency string    `json:"fee_currency,omitempty"`
	FilledAt    time.Time `json:"filled_at"`
}

// ExitKind names which protective level fired.
type ExitKind string

const (
	ExitStopLoss   ExitKind = "stop_loss"
	ExitTakeProfit ExitKind = "take_profit"
)

// ExitTrigger is the tracker's verdict that a mental level has been crossed.
// It carries no side effects; the caller decides whether to act on it.
type ExitTrigger struct {
	Symbol   string   `json:"symbol"`
	Kind     ExitKind `json:"kind"`
	Level    float64  `json:"level"`
	Price    float64  `json:"price"`
	Position Position `json:"position"`
}
