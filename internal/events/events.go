// Package events is the engine's transition event stream. Every state
// transition (entry placed, fill confirmed, exit triggered, pair resolved,
// risk rejection, anomaly) emits exactly one event, synchronously, before
// control returns to the caller. Sinks own durability; the emitter owns
// the exactly-once contract.
package events

import (
	"time"

	"github.com/google/uuid"

	"krakenbotzyn/internal/logger"
)

type Kind string

const (
	KindEntryPlaced    Kind = "entry_placed"
	KindEntryFilled    Kind = "entry_filled"
	KindEntryFailed    Kind = "entry_failed"
	KindExitTriggered  Kind = "exit_triggered"
	KindExitFilled     Kind = "exit_filled"
	KindOCOResolved    Kind = "oco_resolved"
	KindRiskRejected   Kind = "risk_rejected"
	KindAnomaly        Kind = "anomaly"
	KindReconciliation Kind = "reconciliation"
)

// Event is one state transition. Before/After carry the position status (or
// other small state labels) around the transition; Reason is human-readable.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Kind      Kind      `json:"event_kind"`
	Before    string    `json:"before_state,omitempty"`
	After     string    `json:"after_state,omitempty"`
	Reason    string    `json:"reason"`
}

// Sink receives events synchronously. Sinks must not block for long; slow
// durability belongs behind the sink, not in the emitter.
type Sink interface {
	Record(evt Event)
}

// Emitter fans one event out to all sinks. A nil *Emitter is valid and
// drops everything, which keeps tests terse.
type Emitter struct {
	sinks []Sink
}

func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks}
}

// Emit stamps and delivers the event. Exactly one call per transition is the
// caller's contract; the emitter never duplicates or drops.
func (e *Emitter) Emit(symbol string, kind Kind, before, after, reason string) {
	if e == nil {
		return
	}
	evt := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Symbol:    symbol,
		Kind:      kind,
		Before:    before,
		After:     after,
		Reason:    reason,
	}
	for _, s := range e.sinks {
		s.Record(evt)
	}
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Record(evt Event) {
	if evt.Kind == KindAnomaly {
		logger.Errorf("event %s %s: %s (%s -> %s)", evt.Symbol, evt.Kind, evt.Reason, evt.Before, evt.After)
		return
	}
	logger.Infof("event %s %s: %s (%s -> %s)", evt.Symbol, evt.Kind, evt.Reason, evt.Before, evt.After)
}
