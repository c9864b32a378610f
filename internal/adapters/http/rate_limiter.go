package http

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/relaylobby/internal/domain"
)

// CreateRateLimiter is a sliding window of session creations per owner.
type CreateRateLimiter struct {
	mu       sync.Mutex
	clock    clock.Clock
	history  map[domain.Identity][]time.Time
	limit    int
	interval time.Duration
}

func NewCreateRateLimiter(limit int, interval time.Duration, clk clock.Clock) *CreateRateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &CreateRateLimiter{
		clock:    clk,
		history:  make(map[domain.Identity][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records an attempt by owner and reports whether it fits in the window.
// Refused attempts are not recorded.
func (rl *CreateRateLimiter) Allow(owner domain.Identity) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[owner]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[owner] = fresh
		return false
	}

	rl.history[owner] = append(fresh, now)
	return true
}

// Prune forgets owners with no attempt inside the window.
func (rl *CreateRateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.clock.Now().Add(-rl.interval)
	n := 0
	for owner, attempts := range rl.history {
		if len(attempts) == 0 || !attempts[len(attempts)-1].After(windowStart) {
			delete(rl.history, owner)
			n++
		}
	}
	return n
}
