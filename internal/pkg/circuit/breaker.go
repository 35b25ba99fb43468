// Package circuit provides a small circuit breaker used to stop hammering the
// exchange API after consecutive transport failures.
package circuit

import (
	"sync"
	"time"

	"krakenbotzyn/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker trips open after `trips` consecutive failures and lets a probe call
// through once `cooldown` has passed.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int
	trips       int
	cooldown    time.Duration
	lastFailure time.Time
}

func NewBreaker(name string, trips int, cooldown time.Duration) *Breaker {
	if trips <= 0 {
		trips = 5
	}
	if cooldown <= 0 {
		cooldown = 2 * time.Minute
	}
	return &Breaker{name: name, trips: trips, cooldown: cooldown, state: StateClosed}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) > b.cooldown {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
	b.failures = 0
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = time.Now()
	switch b.state {
	case StateClosed:
		if b.failures >= b.trips {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// CurrentState returns the state for status reporting.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	logger.Warnf("breaker %s: %s -> %s (failures=%d/%d cooldown=%s)",
		b.name, from, to, b.failures, b.trips, b.cooldown)
}
