// Package memcache implements the two-tier, bounded, in-memory bitmap
// cache described in spec.md §4.5: a high and a low tier, each an
// LRU-bounded map, with the low tier draining first under memory
// pressure and a delegate hook fired when the high tier evicts under
// capacity pressure.
package memcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	imagekit "github.com/kestrelimg/imagekit"
)

// Tier is the cache compartment an entry lives in. The low tier is
// drained first under memory pressure (spec.md §3, §4.5).
type Tier int

const (
	TierHigh Tier = iota
	TierLow
)

func (t Tier) String() string {
	if t == TierHigh {
		return "high"
	}
	return "low"
}

// EvictHighHook is invoked synchronously whenever the high tier evicts an
// entry to make room for a new one. The coordinator uses this to persist
// the bitmap to disk before it is released (spec.md §4.5, §9). It is
// never invoked for explicit Remove/EvictAll/tier-move operations, only
// for capacity-driven eviction.
type EvictHighHook func(url string, bitmap imagekit.Bitmap)

// Cache is the two-tier memory cache. The zero value is not usable; build
// one with New. Every exported method is safe for concurrent use and
// appears atomic relative to every other method (spec.md §4.5).
type Cache struct {
	logger *zap.Logger

	high *lru.Cache[string, imagekit.Bitmap]
	low  *lru.Cache[string, imagekit.Bitmap]

	mu     sync.Mutex // guards tierOf
	tierOf map[string]Tier

	suppressMu sync.Mutex // guards suppressed, serializes explicit removal ops
	suppressed bool

	onEvictHigh EvictHighHook
}

// New builds a two-tier cache. highLimit/lowLimit must be positive.
// onEvictHigh may be nil.
func New(highLimit, lowLimit int, onEvictHigh EvictHighHook, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if highLimit <= 0 {
		highLimit = 1
	}
	if lowLimit <= 0 {
		lowLimit = 1
	}

	c := &Cache{
		logger:      logger,
		tierOf:      make(map[string]Tier),
		onEvictHigh: onEvictHigh,
	}

	high, err := lru.NewWithEvict[string, imagekit.Bitmap](highLimit, c.handleHighEvict)
	if err != nil {
		return nil, err
	}
	low, err := lru.NewWithEvict[string, imagekit.Bitmap](lowLimit, c.handleLowEvict)
	if err != nil {
		return nil, err
	}
	c.high = high
	c.low = low
	return c, nil
}

func (c *Cache) handleHighEvict(key string, value imagekit.Bitmap) {
	c.mu.Lock()
	if t, ok := c.tierOf[key]; ok && t == TierHigh {
		delete(c.tierOf, key)
	}
	c.mu.Unlock()

	if c.isSuppressed() {
		return
	}
	c.logger.Debug("high tier evicted entry", zap.String("url", key))
	if c.onEvictHigh != nil {
		c.onEvictHigh(key, value)
	}
}

func (c *Cache) handleLowEvict(key string, _ imagekit.Bitmap) {
	c.mu.Lock()
	if t, ok := c.tierOf[key]; ok && t == TierLow {
		delete(c.tierOf, key)
	}
	c.mu.Unlock()
}

func (c *Cache) isSuppressed() bool {
	c.suppressMu.Lock()
	defer c.suppressMu.Unlock()
	return c.suppressed
}

// withSuppressedEvict runs fn with eviction notifications disabled: used
// for operations the caller already knows about (explicit remove, tier
// move, bulk clear) so the delegate hook only ever fires for genuine
// capacity pressure.
func (c *Cache) withSuppressedEvict(fn func()) {
	c.suppressMu.Lock()
	c.suppressed = true
	c.suppressMu.Unlock()

	fn()

	c.suppressMu.Lock()
	c.suppressed = false
	c.suppressMu.Unlock()
}

// Get searches both tiers, high first, refreshing the entry's recency on
// a hit (the chosen, tier-consistent answer to spec.md §9's open question
// on LRU refresh-on-get).
func (c *Cache) Get(url string) (imagekit.Bitmap, bool) {
	if v, ok := c.high.Get(url); ok {
		return v, true
	}
	if v, ok := c.low.Get(url); ok {
		return v, true
	}
	return nil, false
}

// Put inserts or moves url into tier, evicting the oldest entry of a full
// tier first. If url was already present in the other tier it is removed
// from there without firing the eviction hook (this is a move, not an
// eviction).
func (c *Cache) Put(url string, bitmap imagekit.Bitmap, tier Tier) {
	c.mu.Lock()
	current, exists := c.tierOf[url]
	c.mu.Unlock()

	if exists && current != tier {
		c.withSuppressedEvict(func() {
			switch current {
			case TierHigh:
				c.high.Remove(url)
			case TierLow:
				c.low.Remove(url)
			}
		})
	}

	switch tier {
	case TierHigh:
		c.high.Add(url, bitmap)
	case TierLow:
		c.low.Add(url, bitmap)
	}

	c.mu.Lock()
	c.tierOf[url] = tier
	c.mu.Unlock()
}

// Remove deletes url from whichever tier holds it. Never fires the
// eviction hook.
func (c *Cache) Remove(url string) {
	c.mu.Lock()
	tier, exists := c.tierOf[url]
	if exists {
		delete(c.tierOf, url)
	}
	c.mu.Unlock()
	if !exists {
		return
	}
	c.withSuppressedEvict(func() {
		switch tier {
		case TierHigh:
			c.high.Remove(url)
		case TierLow:
			c.low.Remove(url)
		}
	})
}

// EvictLowTier drains the low tier. Used both as an explicit admin
// operation and as the memory-pressure response when ClearLowOnPressure
// is set.
func (c *Cache) EvictLowTier() {
	c.withSuppressedEvict(func() {
		c.low.Purge()
	})
	c.mu.Lock()
	for url, t := range c.tierOf {
		if t == TierLow {
			delete(c.tierOf, url)
		}
	}
	c.mu.Unlock()
}

// EvictAll drains both tiers. Used as an explicit admin operation and as
// the memory-pressure response when ClearAllOnPressure is set.
func (c *Cache) EvictAll() {
	c.withSuppressedEvict(func() {
		c.high.Purge()
		c.low.Purge()
	})
	c.mu.Lock()
	c.tierOf = make(map[string]Tier)
	c.mu.Unlock()
}

// Count returns the number of entries currently held in tier.
func (c *Cache) Count(tier Tier) int {
	switch tier {
	case TierHigh:
		return c.high.Len()
	default:
		return c.low.Len()
	}
}

// OnMemoryPressure applies the configured pressure policy.
func (c *Cache) OnMemoryPressure(clearLow, clearAll bool) {
	switch {
	case clearAll:
		c.EvictAll()
	case clearLow:
		c.EvictLowTier()
	}
}
