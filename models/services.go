// pixl/models/services.go
package models

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// --- Stateful Services ---

// RateLimiter keeps a best-effort, in-memory limiter per user. It is not
// durable and does not survive a restart; it only guarantees mutual exclusion
// across concurrent checks of the same user key.
type RateLimiter struct {
	Mu       sync.RWMutex
	Limiters map[int64]*rate.Limiter
	LastSeen map[int64]time.Time

	every  time.Duration
	burst  int
	prune  time.Duration
	expire time.Duration
}

// NewRateLimiter creates a rate limiter allowing one event per `every` with
// the given burst, and starts the background pruning loop.
func NewRateLimiter(every time.Duration, burst int, prune, expire time.Duration) *RateLimiter {
	rl := &RateLimiter{
		Limiters: make(map[int64]*rate.Limiter),
		LastSeen: make(map[int64]time.Time),
		every:    every,
		burst:    burst,
		prune:    prune,
		expire:   expire,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether the user may place right now, consuming a token if so.
func (rl *RateLimiter) Allow(userID int64) bool {
	rl.Mu.Lock()
	defer rl.Mu.Unlock()
	limiter, exists := rl.Limiters[userID]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(rl.every), rl.burst)
		rl.Limiters[userID] = limiter
	}
	rl.LastSeen[userID] = time.Now()
	return limiter.Allow()
}

// cleanup periodically removes entries for users not seen recently.
func (rl *RateLimiter) cleanup() {
	for range time.Tick(rl.prune) {
		rl.Mu.Lock()
		cutoff := time.Now().Add(-rl.expire)
		for id, lastSeen := range rl.LastSeen {
			if lastSeen.Before(cutoff) {
				delete(rl.Limiters, id)
				delete(rl.LastSeen, id)
			}
		}
		rl.Mu.Unlock()
	}
}
