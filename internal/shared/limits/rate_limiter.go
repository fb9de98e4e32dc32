package limits

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimitExceeded is returned by Check when a connection has used its
// budget for the current window.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

const (
	DefaultMessageLimit = 60
	DefaultWindow       = time.Minute
)

// RateLimiter enforces a sliding-window message budget per connection.
//
// Each connection keeps the timestamps of its accepted messages inside the
// trailing window. A check prunes expired timestamps, rejects when the
// remaining count has reached the limit, and otherwise records "now".
// Rejected messages are not recorded, so a client that backs off regains
// budget as soon as its oldest accepted message leaves the window.
//
// Checks are synchronous and never block on anything but the short map lock.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing limit messages per window.
// Zero values fall back to 60 messages per minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RateLimiter{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Check records one message for connID, or returns ErrRateLimitExceeded.
func (rl *RateLimiter) Check(connID string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	stamps := rl.windows[connID]
	keep := 0
	for keep < len(stamps) && !stamps[keep].After(cutoff) {
		keep++
	}
	stamps = stamps[keep:]

	if len(stamps) >= rl.limit {
		rl.windows[connID] = stamps
		return ErrRateLimitExceeded
	}

	rl.windows[connID] = append(stamps, now)
	return nil
}

// Remaining returns how many messages connID may still send in the current window.
func (rl *RateLimiter) Remaining(connID string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	used := 0
	for _, ts := range rl.windows[connID] {
		if ts.After(cutoff) {
			used++
		}
	}
	return rl.limit - used
}

// Remove drops all state for connID. Called on disconnect.
func (rl *RateLimiter) Remove(connID string) {
	rl.mu.Lock()
	delete(rl.windows, connID)
	rl.mu.Unlock()
}

// Tracked returns the number of connections with limiter state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

// Limit returns the configured budget and window.
func (rl *RateLimiter) Limit() (int, time.Duration) {
	return rl.limit, rl.window
}
