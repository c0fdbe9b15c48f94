package runner

import (
	"sync"
	"time"
)

// Throttle wraps an externally supplied health predicate, re-evaluated
// at most once per interval. While the predicate holds, runs return
// Throttled without consuming an attempt or changing status.
type Throttle struct {
	fn       func() bool
	interval time.Duration

	mu        sync.Mutex
	checkedAt time.Time
	last      bool
}

// NewThrottle builds a throttle around the predicate. A nil predicate
// never throttles.
func NewThrottle(fn func() bool, interval time.Duration) *Throttle {
	return &Throttle{fn: fn, interval: interval}
}

// Throttled reports the (possibly cached) predicate value.
func (t *Throttle) Throttled() bool {
	if t == nil || t.fn == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if t.checkedAt.IsZero() || now.Sub(t.checkedAt) >= t.interval {
		t.last = t.fn()
		t.checkedAt = now
	}
	return t.last
}
