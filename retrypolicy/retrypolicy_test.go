package retrypolicy

import (
	"errors"
	"net/http"
	"testing"
	"time"

	imagekit "github.com/kestrelimg/imagekit"
)

func testPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
}

func TestShouldRetryStopsAtMaxRetries(t *testing.T) {
	p := testPolicy()
	err := imagekit.NewNetworkError("boom", errors.New("x"))
	if ShouldRetry(p, err, 3) {
		t.Fatalf("should not retry once attempt reaches MaxRetries")
	}
}

func TestShouldRetryNeverForCancelled(t *testing.T) {
	p := testPolicy()
	if ShouldRetry(p, imagekit.NewCancelledError(), 0) {
		t.Fatalf("cancellation must never retry")
	}
}

func TestShouldRetryNeverForInvalidURL(t *testing.T) {
	p := testPolicy()
	if ShouldRetry(p, imagekit.NewInvalidURLError("bad"), 0) {
		t.Fatalf("malformed URL must never retry")
	}
}

func TestShouldRetryNeverForDecodeFailure(t *testing.T) {
	p := testPolicy()
	if ShouldRetry(p, imagekit.NewDecodeFailedError("bad bytes", nil), 0) {
		t.Fatalf("decode failure must never retry")
	}
}

func TestRetryableStatusTable(t *testing.T) {
	cases := map[int]bool{
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusNotFound:            false,
		http.StatusForbidden:           false,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
	}
	for code, want := range cases {
		if got := RetryableStatus(code); got != want {
			t.Fatalf("RetryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestShouldRetryHonorsStatusDerivedRetryable(t *testing.T) {
	p := testPolicy()
	notFound := imagekit.NewNetworkErrorRetryable("404", nil, RetryableStatus(http.StatusNotFound))
	if ShouldRetry(p, notFound, 0) {
		t.Fatalf("404 must not retry")
	}
	serverErr := imagekit.NewNetworkErrorRetryable("503", nil, RetryableStatus(http.StatusServiceUnavailable))
	if !ShouldRetry(p, serverErr, 0) {
		t.Fatalf("503 must retry")
	}
}

// TestDelayMatchesExponentialFormula is the "retry delay" testable
// property from spec.md §8: delay = min(base * mult^(attempt-1), max).
func TestDelayMatchesExponentialFormula(t *testing.T) {
	p := testPolicy()
	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	}
	for i, w := range want {
		attempt := i + 1
		if got := Delay(p, attempt); got != w {
			t.Fatalf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestDelayCapsAtMaxDelay(t *testing.T) {
	p := testPolicy()
	p.MaxDelay = 500 * time.Millisecond
	if got := Delay(p, 5); got != p.MaxDelay {
		t.Fatalf("Delay should cap at MaxDelay, got %v", got)
	}
}

func TestBackOffRespectsMaxRetries(t *testing.T) {
	p := testPolicy()
	b := BackOff(p)
	for i := 0; i < p.MaxRetries; i++ {
		if d := b.NextBackOff(); d < 0 {
			t.Fatalf("unexpected stop before MaxRetries exhausted at attempt %d", i)
		}
	}
}
