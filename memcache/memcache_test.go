package memcache

import (
	"image"
	"testing"
)

func bmp() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 1, 1))
}

func TestPutGetRoundTrip(t *testing.T) {
	c, err := New(2, 2, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("u1", bmp(), TierHigh)
	if _, ok := c.Get("u1"); !ok {
		t.Fatalf("expected hit on u1")
	}
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected miss on missing key")
	}
}

func TestHighTierEvictionFiresHook(t *testing.T) {
	var evicted []string
	c, err := New(1, 1, func(url string, _ image.Image) {
		evicted = append(evicted, url)
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("a", bmp(), TierHigh)
	c.Put("b", bmp(), TierHigh) // capacity 1 -> evicts "a"

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected eviction of a, got %v", evicted)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have been evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("b should still be present")
	}
}

func TestExplicitRemoveDoesNotFireHook(t *testing.T) {
	var evicted int
	c, err := New(4, 4, func(string, image.Image) { evicted++ }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("a", bmp(), TierHigh)
	c.Remove("a")
	if evicted != 0 {
		t.Fatalf("explicit Remove should not fire the eviction hook, got %d", evicted)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should be gone after Remove")
	}
}

func TestMoveBetweenTiersDoesNotFireHook(t *testing.T) {
	var evicted int
	c, err := New(4, 4, func(string, image.Image) { evicted++ }, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("a", bmp(), TierLow)
	c.Put("a", bmp(), TierHigh)
	if evicted != 0 {
		t.Fatalf("tier move should not fire the eviction hook, got %d", evicted)
	}
	if c.Count(TierLow) != 0 {
		t.Fatalf("a should no longer be in the low tier")
	}
	if c.Count(TierHigh) != 1 {
		t.Fatalf("a should be in the high tier")
	}
}

func TestEvictLowTierLeavesHighIntact(t *testing.T) {
	c, err := New(4, 4, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("hi", bmp(), TierHigh)
	c.Put("lo", bmp(), TierLow)
	c.EvictLowTier()

	if _, ok := c.Get("lo"); ok {
		t.Fatalf("low tier entry should be gone")
	}
	if _, ok := c.Get("hi"); !ok {
		t.Fatalf("high tier entry should survive")
	}
}

func TestEvictAllClearsBothTiers(t *testing.T) {
	c, err := New(4, 4, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("hi", bmp(), TierHigh)
	c.Put("lo", bmp(), TierLow)
	c.EvictAll()

	if c.Count(TierHigh) != 0 || c.Count(TierLow) != 0 {
		t.Fatalf("expected both tiers empty after EvictAll")
	}
}

func TestOnMemoryPressurePolicy(t *testing.T) {
	c, err := New(4, 4, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("hi", bmp(), TierHigh)
	c.Put("lo", bmp(), TierLow)

	c.OnMemoryPressure(true, false)
	if c.Count(TierLow) != 0 {
		t.Fatalf("expected low tier cleared")
	}
	if c.Count(TierHigh) != 1 {
		t.Fatalf("expected high tier untouched")
	}

	c.Put("lo2", bmp(), TierLow)
	c.OnMemoryPressure(false, true)
	if c.Count(TierHigh) != 0 || c.Count(TierLow) != 0 {
		t.Fatalf("expected both tiers cleared")
	}
}
