package settle

import "time"

// Policy decides how long to wait before a given poll attempt (0-based).
// Keeping it an interface lets tests drive the poller with a fake schedule.
type Policy interface {
	NextDelay(attempt int) time.Duration
}

// Exponential doubles from Base up to Cap: base, 2*base, 4*base, ... capped.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

func (e Exponential) NextDelay(attempt int) time.Duration {
	base := e.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if e.Cap > 0 && d >= e.Cap {
			return e.Cap
		}
	}
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}
