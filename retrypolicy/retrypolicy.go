// Package retrypolicy decides whether a failed download attempt should be
// retried and how long to wait first (spec.md §4.6). The wait itself is
// computed by cenkalti/backoff's exponential backoff, the same family of
// algorithm the teacher's network stack would reach for, configured with
// zero jitter so the delay is a pure function of attempt number and is
// independently testable.
package retrypolicy

import (
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	imagekit "github.com/kestrelimg/imagekit"
)

// Policy is an immutable retry policy. Build one with Default or
// FromConfig.
type Policy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// Default matches imagekit.DefaultRetryPolicyConfig().
func Default() Policy {
	cfg := imagekit.DefaultRetryPolicyConfig()
	return FromConfig(cfg)
}

// FromConfig adapts the root package's plain configuration struct into a
// Policy.
func FromConfig(cfg imagekit.RetryPolicyConfig) Policy {
	return Policy{
		MaxRetries:        cfg.MaxRetries,
		BaseDelay:         cfg.BaseDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		MaxDelay:          cfg.MaxDelay,
	}
}

// ShouldRetry applies spec.md §4.6's table: never once attempt has
// reached MaxRetries; never for cancellation, malformed URL, or decode
// failure; never for 4xx except 408 and 429; yes for every transport
// error, 5xx, 408, and 429. Status-derived errors are expected to have
// been constructed via imagekit.NewNetworkErrorRetryable with
// RetryableStatus(code) already folded in.
func ShouldRetry(p Policy, err error, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if err == nil {
		return false
	}
	if imagekit.IsCancelled(err) || imagekit.IsKind(err, imagekit.KindInvalidURL) || imagekit.IsDecodeFailed(err) {
		return false
	}
	if kerr, ok := imagekit.AsError(err); ok {
		return kerr.Retryable
	}
	return true
}

// RetryableStatus classifies an HTTP status code per spec.md §4.6: 408
// and 429 retry despite being 4xx, every other 4xx does not, and every
// 5xx (and anything else unexpected) does.
func RetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	if code >= 400 && code < 500 {
		return false
	}
	return true
}

// Delay returns the pure, deterministic backoff for the given attempt
// number (1-indexed: the wait before the 2nd attempt is Delay(1)),
// matching spec.md §4.6 and §8's "retry delay" testable property:
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay), and zero for
// attempt < 1. It is the formula BackOff's stateful sequence realizes; the
// dispatcher's retry loop calls BackOff directly rather than this function,
// so tests can check the formula in isolation from the stateful object.
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := float64(p.BaseDelay)
	mult := 1.0
	for i := 1; i < attempt; i++ {
		mult *= p.BackoffMultiplier
	}
	d *= mult
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// BackOff builds a stateful backoff.BackOff bounded by p. The dispatcher's
// retry loop calls NextBackOff() once per retry to get the wait before the
// next attempt; WithMaxRetries mirrors the same MaxRetries bound
// ShouldRetry already enforces, so the two never disagree.
func BackOff(p Policy) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseDelay
	eb.Multiplier = p.BackoffMultiplier
	eb.MaxInterval = p.MaxDelay
	eb.MaxElapsedTime = 0 // the dispatcher enforces MaxRetries itself
	eb.RandomizationFactor = 0
	eb.Reset() // restart the sequence at BaseDelay rather than the library default
	return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
}
