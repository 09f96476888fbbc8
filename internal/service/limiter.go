package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type voter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// voteLimiter hands out one token bucket per user.
type voteLimiter struct {
	mu        sync.Mutex
	voters    map[string]*voter
	perMin    int
	burst     int
	ttl       time.Duration
	lastSweep time.Time
}

// newVoteLimiter returns nil when perMin is not positive, which disables
// limiting.
func newVoteLimiter(perMin, burst int, ttl time.Duration) *voteLimiter {
	if perMin <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &voteLimiter{
		voters: make(map[string]*voter),
		perMin: perMin,
		burst:  burst,
		ttl:    ttl,
	}
}

func (l *voteLimiter) Allow(userID string) bool {
	if l == nil {
		return true
	}
	return l.get(userID, time.Now()).Allow()
}

func (l *voteLimiter) get(userID string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.ttl {
		for id, v := range l.voters {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.voters, id)
			}
		}
		l.lastSweep = now
	}
	if v, ok := l.voters[userID]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.burst)
	l.voters[userID] = &voter{limiter: lim, lastSeen: now}
	return lim
}
