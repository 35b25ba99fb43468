// Package limiter paces order-mutating exchange calls. One shared instance is
// the sole pacing authority for the scheduled loop and manual commands alike.
package limiter

import (
	"context"
	"sync"
	"time"

	"krakenbotzyn/internal/logger"
)

// OrderLimiter enforces a rolling-window cap on order placements plus a
// minimum spacing between consecutive orders. All state lives behind one
// mutex so concurrent callers share a single token count.
type OrderLimiter struct {
	mu         sync.Mutex
	maxOrders  int
	window     time.Duration
	minDelay   time.Duration
	timestamps []time.Time
	lastOrder  time.Time

	totalOrders int64
	totalWaits  int64

	now func() time.Time
}

// Stats is a point-in-time snapshot for status reporting.
type Stats struct {
	WindowCount int           `json:"window_count"`
	MaxOrders   int           `json:"max_orders"`
	Window      time.Duration `json:"window"`
	MinDelay    time.Duration `json:"min_delay"`
	TotalOrders int64         `json:"total_orders"`
	TotalWaits  int64         `json:"total_waits"`
}

func New(maxOrders int, window, minDelay time.Duration) *OrderLimiter {
	if maxOrders <= 0 {
		maxOrders = 15
	}
	if window <= 0 {
		window = time.Minute
	}
	if minDelay < 0 {
		minDelay = 0
	}
	logger.Infof("limiter: max=%d window=%s min_delay=%s", maxOrders, window, minDelay)
	return &OrderLimiter{
		maxOrders: maxOrders,
		window:    window,
		minDelay:  minDelay,
		now:       time.Now,
	}
}

// Acquire blocks until a slot is available, records the order timestamp and
// returns. Cancelling the context releases the caller without consuming a
// slot.
func (l *OrderLimiter) Acquire(ctx context.Context) error {
	waited := false
	for {
		l.mu.Lock()
		wait := l.nextWait()
		if wait <= 0 {
			now := l.now()
			l.timestamps = append(l.timestamps, now)
			l.lastOrder = now
			l.totalOrders++
			if waited {
				l.totalWaits++
			}
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		waited = true

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// nextWait returns how long the caller must wait before a slot frees up.
// Caller holds l.mu.
func (l *OrderLimiter) nextWait() time.Duration {
	now := l.now()
	l.evict(now)

	var wait time.Duration
	if !l.lastOrder.IsZero() {
		if since := now.Sub(l.lastOrder); since < l.minDelay {
			wait = l.minDelay - since
		}
	}
	if len(l.timestamps) >= l.maxOrders {
		until := l.timestamps[0].Add(l.window).Sub(now)
		if until > wait {
			wait = until
		}
	}
	return wait
}

// evict drops timestamps that have rolled out of the window. Caller holds l.mu.
func (l *OrderLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.timestamps) && l.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.timestamps = l.timestamps[i:]
	}
}

func (l *OrderLimiter) Snapshot() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return Stats{
		WindowCount: len(l.timestamps),
		MaxOrders:   l.maxOrders,
		Window:      l.window,
		MinDelay:    l.minDelay,
		TotalOrders: l.totalOrders,
		TotalWaits:  l.totalWaits,
	}
}
