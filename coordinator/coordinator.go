// Package coordinator implements the orchestration algorithm of
// spec.md §4.8: cache probe, disk probe with promotion, dispatcher
// fallback, observer fan-out, and the administrative surface. It is
// the one component that holds all three subsystem instances and the
// active Configuration, grounded on the teacher's provider.go for the
// "try cache, then store, then network, notify along the way" shape.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	imagekit "github.com/kestrelimg/imagekit"
	"github.com/kestrelimg/imagekit/dispatcher"
	"github.com/kestrelimg/imagekit/diskstore"
	"github.com/kestrelimg/imagekit/internal/bucket"
	"github.com/kestrelimg/imagekit/memcache"
)

// CacheTier mirrors memcache.Tier at the coordinator's public surface so
// callers never import the memcache package directly.
type CacheTier = memcache.Tier

const (
	TierHigh = memcache.TierHigh
	TierLow  = memcache.TierLow
)

// DownloadPriority mirrors dispatcher.Priority at the coordinator's
// public surface.
type DownloadPriority = dispatcher.Priority

const (
	PriorityHigh = dispatcher.PriorityHigh
	PriorityLow  = dispatcher.PriorityLow
)

// Event is one observer notification. Kind is one of the "did-..."
// strings named in spec.md §4.8.
type Event struct {
	Kind string
	URL  string
}

const (
	EventLoadedFromCache   = "did-load-from-cache"
	EventLoadedFromStorage = "did-load-from-storage"
	EventLoadedFromNetwork = "did-load-from-network"
	EventFailed            = "did-fail"
)

// Observer receives a fan-out of every request's lifecycle events.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// ProgressFunc and CompletionFunc are the per-request callback shapes
// named in spec.md §6.
type ProgressFunc func(fraction float64)

// CompletionFunc reports (bitmap, fromCache, fromStorage) on success, or
// a non-nil err on failure. Exactly one of bitmap/err is meaningful.
type CompletionFunc func(bitmap imagekit.Bitmap, fromCache, fromStorage bool, err error)

// Coordinator owns the memory cache, disk store, and dispatcher, and is
// the sole entry point external callers use.
type Coordinator struct {
	logger *zap.Logger

	mu     sync.RWMutex
	config imagekit.Configuration
	cache  *memcache.Cache
	disk   *diskstore.Store
	dl     *dispatcher.Dispatcher

	obsMu     sync.RWMutex
	observers map[string]Observer

	recentEvents *bucket.Bucket[Event]
}

// New builds a Coordinator from its initial Configuration.
func New(cfg imagekit.Configuration, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		logger:       logger,
		observers:    make(map[string]Observer),
		recentEvents: bucket.New[Event](256),
	}
	if err := c.applyConfiguration(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) applyConfiguration(cfg imagekit.Configuration) error {
	cache, err := memcache.New(cfg.Cache.HighTierLimit, cfg.Cache.LowTierLimit, c.onHighTierEvict, c.logger)
	if err != nil {
		return fmt.Errorf("building memory cache: %w", err)
	}
	disk := diskstore.New(cfg.Storage.RootPath, cfg.Storage.Identifier, cfg.Storage.PathLayout, cfg.Storage.Codec)
	dl := dispatcher.New(cfg.Network, cfg.Storage.Codec, c.logger)

	c.mu.Lock()
	c.config = cfg
	c.cache = cache
	c.disk = disk
	c.dl = dl
	c.mu.Unlock()
	return nil
}

// Configure applies a new Configuration, rebuilding the cache, disk
// store, and dispatcher. In-flight dispatches under the old dispatcher
// complete or fail on their own; they are simply not referenced by the
// new instance (spec.md §4.8).
func (c *Coordinator) Configure(cfg imagekit.Configuration) error {
	return c.applyConfiguration(cfg)
}

func (c *Coordinator) snapshotSubsystems() (*memcache.Cache, *diskstore.Store, *dispatcher.Dispatcher, imagekit.Configuration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache, c.disk, c.dl, c.config
}

// onHighTierEvict is the memcache delegate hook: persist the evicted
// bitmap to disk before releasing the cache's reference, if the active
// configuration wants disk persistence by default (spec.md §4.5, §9).
func (c *Coordinator) onHighTierEvict(url string, bitmap imagekit.Bitmap) {
	_, disk, _, cfg := c.snapshotSubsystems()
	if !cfg.Storage.SaveByDefault {
		return
	}
	if err := disk.Write(bitmap, url); err != nil {
		c.logger.Warn("failed to persist evicted high-tier entry", zap.String("url", url), zap.Error(err))
	}
}

// AddObserver registers o under a generated id and returns that id so
// the caller can later RemoveObserver. An observer added mid-request is
// not guaranteed to see that request's earlier events.
func (c *Coordinator) AddObserver(o Observer) string {
	id := uuid.NewString()
	c.obsMu.Lock()
	c.observers[id] = o
	c.obsMu.Unlock()
	return id
}

// RemoveObserver unregisters the observer returned by AddObserver.
func (c *Coordinator) RemoveObserver(id string) {
	c.obsMu.Lock()
	delete(c.observers, id)
	c.obsMu.Unlock()
}

func (c *Coordinator) notify(kind, url string) {
	event := Event{Kind: kind, URL: url}
	c.recentEvents.Touch(uuid.NewString(), event)

	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.obsMu.RUnlock()

	for _, o := range observers {
		o.Notify(event)
	}
}

// NewCallerToken is a convenience helper producing an opaque token
// suitable for Request/Cancel, the way the demo CLI uses it.
func NewCallerToken() string { return uuid.NewString() }

// Request runs spec.md §4.8's per-request algorithm: cache probe, disk
// probe with promotion, dispatcher fallback.
func (c *Coordinator) Request(url string, updateTier CacheTier, priority DownloadPriority, saveToDisk bool, onProgress ProgressFunc, onComplete CompletionFunc, callerToken string) {
	c.requestImpl(url, updateTier, priority, saveToDisk, onProgress, onComplete, callerToken, false)
}

// ForceReload is identical to Request but skips the cache and disk
// probes, always going straight to the dispatcher; on success it
// overwrites any existing cache and disk entries for url.
func (c *Coordinator) ForceReload(url string, updateTier CacheTier, priority DownloadPriority, saveToDisk bool, onProgress ProgressFunc, onComplete CompletionFunc, callerToken string) {
	c.requestImpl(url, updateTier, priority, saveToDisk, onProgress, onComplete, callerToken, true)
}

func (c *Coordinator) requestImpl(url string, updateTier CacheTier, priority DownloadPriority, saveToDisk bool, onProgress ProgressFunc, onComplete CompletionFunc, callerToken string, force bool) {
	cache, disk, dl, _ := c.snapshotSubsystems()

	if !force {
		if bitmap, ok := cache.Get(url); ok {
			c.notify(EventLoadedFromCache, url)
			if onProgress != nil {
				onProgress(1)
			}
			if onComplete != nil {
				onComplete(bitmap, true, false, nil)
			}
			return
		}

		if disk.Has(url) {
			bitmap, err := disk.Read(url)
			if err == nil {
				cache.Put(url, bitmap, updateTier)
				c.notify(EventLoadedFromStorage, url)
				if onProgress != nil {
					onProgress(1)
				}
				if onComplete != nil {
					onComplete(bitmap, false, true, nil)
				}
				return
			}
			c.logger.Debug("disk hit failed to read/decode, falling through to network",
				zap.String("url", url), zap.Error(err))
		}
	}

	dl.Submit(url, priority, callerToken, dispatcher.ProgressFunc(onProgress), func(bitmap imagekit.Bitmap, err error) {
		if err != nil {
			c.notify(EventFailed, url)
			if onComplete != nil {
				onComplete(nil, false, false, err)
			}
			return
		}

		cache.Put(url, bitmap, updateTier)
		if saveToDisk {
			go func() {
				if werr := disk.Write(bitmap, url); werr != nil {
					c.logger.Warn("failed to persist fetched bitmap", zap.String("url", url), zap.Error(werr))
				}
			}()
		}
		c.notify(EventLoadedFromNetwork, url)
		if onComplete != nil {
			onComplete(bitmap, false, false, nil)
		}
	})
}

// Cancel ends callerToken's subscription to url.
func (c *Coordinator) Cancel(url, callerToken string) {
	_, _, dl, _ := c.snapshotSubsystems()
	dl.Cancel(url, callerToken)
}

// CancelAll unconditionally terminates url's in-flight or queued download,
// regardless of how many callers subscribed to it: every current
// subscriber receives a cancelled terminal error (spec.md §4.7, §6).
func (c *Coordinator) CancelAll(url string) {
	_, _, dl, _ := c.snapshotSubsystems()
	dl.CancelAll(url)
}

// HandleMemoryPressure responds to a system memory-pressure signal per
// spec.md §4.5: the active Configuration's CacheConfig.ClearAllOnPressure
// and ClearLowOnPressure flags decide whether both tiers or just the low
// tier drain. imagekit has no platform memory-pressure listener of its
// own; callers wire this to whatever notification their platform gives
// them (e.g. didReceiveMemoryWarning, a cgroup pressure event).
func (c *Coordinator) HandleMemoryPressure() {
	cache, _, _, cfg := c.snapshotSubsystems()
	cache.OnMemoryPressure(cfg.Cache.ClearLowOnPressure, cfg.Cache.ClearAllOnPressure)
}

// ClearLowTier drains the low memory-cache tier.
func (c *Coordinator) ClearLowTier() {
	cache, _, _, _ := c.snapshotSubsystems()
	cache.EvictLowTier()
}

// ClearAllCache drains both memory-cache tiers.
func (c *Coordinator) ClearAllCache() {
	cache, _, _, _ := c.snapshotSubsystems()
	cache.EvictAll()
}

// ClearDisk deletes every file under the disk store's root.
func (c *Coordinator) ClearDisk(ctx context.Context) error {
	_, disk, _, _ := c.snapshotSubsystems()
	return disk.ClearAll(ctx)
}

// HardReset clears both the memory cache and the disk store.
func (c *Coordinator) HardReset(ctx context.Context) error {
	c.ClearAllCache()
	return c.ClearDisk(ctx)
}

// SetHeaders, SetAuthenticationTransform, SetRetryPolicy, SetTimeout,
// and SetCellularAllowed each apply a modified NetworkConfig through
// Configure, matching spec.md §4.8's reconfiguration contract: a
// subsystem swap, not a live mutation. Configure rebuilds the memory
// cache and disk store as well as the dispatcher, so the memory cache
// starts empty after any of these calls.
func (c *Coordinator) SetHeaders(headers map[string]string) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	cfg.Network.CustomHeaders = headers
	return c.Configure(cfg)
}

func (c *Coordinator) SetAuthenticationTransform(t imagekit.AuthenticationTransform) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	cfg.Network.AuthenticationTransform = t
	return c.Configure(cfg)
}

func (c *Coordinator) SetRetryPolicy(policy imagekit.RetryPolicyConfig) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	cfg.Network.RetryPolicy = policy
	return c.Configure(cfg)
}

func (c *Coordinator) SetTimeout(timeout time.Duration) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	cfg.Network.Timeout = timeout
	return c.Configure(cfg)
}

func (c *Coordinator) SetCellularAllowed(allowed bool) error {
	c.mu.RLock()
	cfg := c.config
	c.mu.RUnlock()
	cfg.Network.AllowsCellular = allowed
	return c.Configure(cfg)
}

// Stats surfaces the coordinator's point-in-time counters (spec.md §6).
type Stats struct {
	CacheHighCount      int
	CacheLowCount       int
	DiskSizeBytes       int64
	DiskFileCount       int
	ActiveDownloadCount int
	QueuedDownloadCount int
	DiskRootPath        string
}

func (c *Coordinator) StatsSnapshot() (Stats, error) {
	cache, disk, dl, cfg := c.snapshotSubsystems()
	size, err := disk.SizeBytes()
	if err != nil {
		return Stats{}, err
	}
	count, err := disk.FileCount()
	if err != nil {
		return Stats{}, err
	}
	dlStats := dl.Snapshot()
	return Stats{
		CacheHighCount:      cache.Count(memcache.TierHigh),
		CacheLowCount:       cache.Count(memcache.TierLow),
		DiskSizeBytes:       size,
		DiskFileCount:       count,
		ActiveDownloadCount: dlStats.Running,
		QueuedDownloadCount: dlStats.QueuedHigh + dlStats.QueuedLow,
		DiskRootPath:        cfg.Storage.RootPath,
	}, nil
}

// DebugSnapshot is a supplemental, CBOR-encoded support-bundle export:
// current stats plus the most recent observer events. It is not part of
// spec.md's required interface, but a natural extension of the
// observability the Stats operations already expose there. It is
// disabled unless Configuration.Debug is set.
type DebugSnapshot struct {
	Stats  Stats
	Events []Event
}

func (c *Coordinator) DebugSnapshot() ([]byte, error) {
	c.mu.RLock()
	debug := c.config.Debug
	c.mu.RUnlock()
	if !debug {
		return nil, imagekit.NewInvalidURLError("debug snapshot requested with Debug disabled")
	}

	stats, err := c.StatsSnapshot()
	if err != nil {
		return nil, err
	}
	snap := DebugSnapshot{Stats: stats, Events: c.recentEvents.Items()}
	return cbor.Marshal(snap)
}
