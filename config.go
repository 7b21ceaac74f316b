package imagekit

import (
	"net/http"
	"time"
)

// AuthenticationTransform mutates an outgoing request before it is sent —
// e.g. adding a bearer header, signing a query string. It is optional;
// a nil transform leaves requests untouched.
type AuthenticationTransform func(req *http.Request) error

// NetworkConfig governs the download dispatcher's transport behavior.
type NetworkConfig struct {
	MaxConcurrent           int
	Timeout                 time.Duration
	AllowsCellular          bool
	RetryPolicy             RetryPolicyConfig
	CustomHeaders           map[string]string
	AuthenticationTransform AuthenticationTransform
}

// RetryPolicyConfig is the pure value (maxRetries, baseDelay,
// backoffMultiplier, maxDelay) spec.md §3 describes. It is re-exported at
// the top level so Configuration stays a flat, serializable snapshot; the
// behavior itself lives in package retrypolicy.
type RetryPolicyConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultRetryPolicyConfig matches the dispatcher's bounded-backoff defaults.
func DefaultRetryPolicyConfig() RetryPolicyConfig {
	return RetryPolicyConfig{
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

// CacheConfig governs the two-tier in-memory cache.
type CacheConfig struct {
	HighTierLimit      int
	LowTierLimit       int
	ClearLowOnPressure bool
	ClearAllOnPressure bool
}

// StorageConfig governs the on-disk store and its pluggable identifier,
// path layout, and codec.
type StorageConfig struct {
	SaveByDefault bool
	RootPath      string // empty => platform cache dir / ImageDownloaderStorage
	Identifier    Identifier
	PathLayout    PathLayout
	Codec         Codec
}

// Identifier derives a stable, filesystem-safe fingerprint from a URL.
// Concrete variants live in package identifier.
type Identifier interface {
	Identify(url string) string
}

// PathLayout maps (url, fingerprint) to a relative on-disk path. Concrete
// variants live in package pathlayout.
type PathLayout interface {
	Path(url, fingerprint string) string
	DirectoryChain(url string) []string
}

// Codec encodes/decodes a bitmap and names its format. Concrete variants
// live in package codec.
type Codec interface {
	Encode(img Bitmap) ([]byte, error)
	Decode(data []byte) (Bitmap, error)
	FileExtension() string
	DisplayName() string
}

// Configuration is the grouped, immutable snapshot the coordinator holds.
// Applying a new Configuration rebuilds the cache, disk store, and
// dispatcher (spec.md §4.8); it never mutates a previously returned one.
type Configuration struct {
	Network NetworkConfig
	Cache   CacheConfig
	Storage StorageConfig
	Debug   bool
}

// DefaultConfiguration returns spec.md §6's structural defaults: a modest
// concurrency/retry bound, a two-tier cache sized for typical scroll-view
// usage, and an empty RootPath (diskstore resolves that to the platform
// cache directory's ImageDownloaderStorage subdirectory). The pluggable
// Identifier, PathLayout, and Codec are left nil — they live in their own
// packages, one layer above this one, and callers choose concrete
// strategies before passing the result to coordinator.New.
func DefaultConfiguration() Configuration {
	return Configuration{
		Network: NetworkConfig{
			MaxConcurrent:  4,
			Timeout:        30 * time.Second,
			AllowsCellular: true,
			RetryPolicy:    DefaultRetryPolicyConfig(),
		},
		Cache: CacheConfig{
			HighTierLimit: 50,
			LowTierLimit:  200,
		},
		Storage: StorageConfig{
			RootPath:      "",
			SaveByDefault: true,
		},
	}
}
