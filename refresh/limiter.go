package refresh

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultMinInterval is the shortest gap between two reconciliations for the
// same user.
const DefaultMinInterval = 10 * time.Second

// Limiter is a per-user token bucket with a burst of one. It reads time from
// an injected clock, so tests advance time instead of sleeping.
type Limiter struct {
	mu       sync.Mutex
	every    time.Duration
	clock    func() time.Time
	limiters map[string]*rate.Limiter
}

// NewLimiter allows one reconciliation per user every minInterval. A
// non-positive interval disables limiting.
func NewLimiter(minInterval time.Duration, clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		every:    minInterval,
		clock:    clock,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow consumes the user's token if one is available.
func (l *Limiter) Allow(userID string) bool {
	if l.every <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.every), 1)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.AllowN(l.clock(), 1)
}

// Forget drops the user's bucket.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	delete(l.limiters, userID)
	l.mu.Unlock()
}

// Prune drops buckets that have refilled. A full bucket behaves exactly
// like a fresh one, so pruning never lets a user through early.
func (l *Limiter) Prune() int {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for u, lim := range l.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(l.limiters, u)
			n++
		}
	}
	return n
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
