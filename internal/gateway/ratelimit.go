package gateway

import (
	"sync"
	"time"
)

// frameLimiter is a token bucket over inbound frames of one session.
type frameLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
	now      func() time.Time
}

// newFrameLimiter returns nil when ratePerMinute is not positive, which disables limiting.
func newFrameLimiter(maxBurst int, ratePerMinute float64) *frameLimiter {
	if ratePerMinute <= 0 {
		return nil
	}
	if maxBurst <= 0 {
		maxBurst = 10
	}
	return &frameLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0,
		lastTime: time.Now(),
		now:      time.Now,
	}
}

// Allow consumes a token if one is available.
func (rl *frameLimiter) Allow() bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens += now.Sub(rl.lastTime).Seconds() * rl.rate
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.lastTime = now

	if rl.tokens < 1.0 {
		return false
	}
	rl.tokens--
	return true
}
