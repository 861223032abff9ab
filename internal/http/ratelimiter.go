package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter keeps one token bucket per client key. Each bucket refills limit tokens
// per window and holds at most limit, so a client may burst up to limit posts.
type KeyedLimiter struct {
	window time.Duration
	limit  int
	every  rate.Limit
	now    func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	swept    time.Time
}

// NewKeyedLimiter allows up to limit events per window for every distinct key. A zero
// window or limit disables limiting.
func NewKeyedLimiter(window time.Duration, limit int, timeSource func() time.Time) *KeyedLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	k := &KeyedLimiter{
		window:   window,
		limit:    limit,
		now:      timeSource,
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
	if window > 0 && limit > 0 {
		k.every = rate.Every(window / time.Duration(limit))
	}
	return k
}

// Allow reports whether key may proceed.
func (k *KeyedLimiter) Allow(key string) bool {
	if k == nil || k.limit <= 0 || k.window <= 0 {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.now()
	//1.- Forget idle clients once per window so the map tracks active publishers only.
	if now.Sub(k.swept) >= k.window {
		for id, seen := range k.lastSeen {
			if now.Sub(seen) > k.window {
				delete(k.lastSeen, id)
				delete(k.limiters, id)
			}
		}
		k.swept = now
	}
	limiter, ok := k.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(k.every, k.limit)
		k.limiters[key] = limiter
	}
	k.lastSeen[key] = now
	return limiter.AllowN(now, 1)
}

// Clients reports how many keys currently hold a bucket.
func (k *KeyedLimiter) Clients() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}
