package mirror

import (
	"sync"
	"time"
)

// rateLimiter is a per-host token bucket bounding how often the mirror
// transport may attempt a handshake against a given host, adapted from
// internal/dht/rate_limiter.go's key/bucket shape (BID keys generalized to
// host strings).
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*hostBucket

	capacity int
	refill   time.Duration
}

type hostBucket struct {
	tokens   int
	lastSeen time.Time
}

func newRateLimiter(capacity int, refill time.Duration) *rateLimiter {
	if capacity <= 0 {
		capacity = 5
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &rateLimiter{
		buckets:  make(map[string]*hostBucket),
		capacity: capacity,
		refill:   refill,
	}
}

// Allow reports whether a handshake attempt against host may proceed now,
// consuming a token if so.
func (rl *rateLimiter) Allow(host string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.buckets[host]
	if !exists {
		rl.buckets[host] = &hostBucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}

	refills := int(now.Sub(b.lastSeen) / rl.refill)
	b.tokens += refills
	// Advance only by whole refill periods so partial progress carries over.
	b.lastSeen = b.lastSeen.Add(time.Duration(refills) * rl.refill)
	if b.tokens >= rl.capacity {
		b.tokens = rl.capacity
		b.lastSeen = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
