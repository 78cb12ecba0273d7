package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter spaces operations evenly at a fixed rate, letting up to burst
// of them through back to back after an idle period. Callers reserve a slot
// and sleep until it comes up.
type RateLimiter struct {
	mu       sync.Mutex
	interval time.Duration // spacing between slots
	burst    int
	tat      time.Time // theoretical arrival time of the next slot
	now      func() time.Time
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute. A non-positive perMinute disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return NewBurstRateLimiter(perMinute, 1)
}

// NewBurstRateLimiter is NewRateLimiter with room for burst back-to-back
// operations.
func NewBurstRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{burst: burst, now: time.Now}
	if perMinute > 0 {
		rl.interval = time.Minute / time.Duration(perMinute)
	}
	return rl
}

// reserve claims the next slot and returns when it may be used along with
// the arrival time it consumed.
func (rl *RateLimiter) reserve() (at, tat time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	start := rl.tat
	if start.Before(now) {
		start = now
	}
	at = start.Add(-time.Duration(rl.burst-1) * rl.interval)
	if at.Before(now) {
		at = now
	}
	rl.tat = start.Add(rl.interval)
	return at, rl.tat
}

// cancel returns an unused slot if no later reservation was made on top of
// it.
func (rl *RateLimiter) cancel(tat time.Time) {
	rl.mu.Lock()
	if rl.tat.Equal(tat) {
		rl.tat = rl.tat.Add(-rl.interval)
	}
	rl.mu.Unlock()
}

// Wait blocks until a slot is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil || rl.interval <= 0 {
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	at, tat := rl.reserve()
	delay := at.Sub(rl.now())
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		rl.cancel(tat)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
