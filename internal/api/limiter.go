package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// UserLimiter is a token bucket per user id for signal ingress.
type UserLimiter struct {
	mu       sync.Mutex
	limiters map[string]*userBucket
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewUserLimiter allows rps signals per second per user with the given burst.
// A non-positive rps disables limiting.
func NewUserLimiter(rps float64, burst int) *UserLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &UserLimiter{
		limiters: make(map[string]*userBucket),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether userID may submit another signal now.
func (l *UserLimiter) Allow(userID string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.limiters[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[userID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Prune forgets users idle for longer than idle.
func (l *UserLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for id, b := range l.limiters {
		if b.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}

// Run prunes idle users every interval until ctx is cancelled.
func (l *UserLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(interval)
		}
	}
}
