// Package dispatcher is the bounded-concurrency, priority-aware,
// deduplicating download queue described in spec.md §4.7. Its active-
// record tracking and per-subscriber response fan-out are adapted from
// the teacher's content.ContentFetcher (pkg/content/fetcher.go):
// activeFetches/responseHandlers become byURL, and the per-chunk
// semaphore becomes a strict-priority admission scheduler bounded by
// MaxConcurrent.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	imagekit "github.com/kestrelimg/imagekit"
	"github.com/kestrelimg/imagekit/retrypolicy"
)

// Priority controls admission order: a High request is always admitted
// ahead of any currently-queued Low request.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// State is a DispatchRecord's position in its lifecycle:
// queued -> running -> {completed, failed, cancelled}.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// ProgressFunc reports fetch progress in [0,1], monotonically
// non-decreasing across the lifetime of one subscription.
type ProgressFunc func(fraction float64)

// CompletionFunc reports the terminal outcome of one subscription.
type CompletionFunc func(bitmap imagekit.Bitmap, err error)

type subscriber struct {
	token      string
	onProgress ProgressFunc
	onComplete CompletionFunc
}

// record is a DispatchRecord: the shared state backing every subscriber
// currently waiting on the same URL.
type record struct {
	url string

	mu             sync.Mutex
	priority       Priority
	state          State
	subscribers    []*subscriber
	cancel         context.CancelFunc
	attempt        int
	lastProgress   float64
	slotReleased   bool
	completionSent bool
}

func (r *record) snapshot() (Priority, State, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority, r.state, r.attempt
}

func (r *record) addSubscriber(s *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, s)
}

// removeSubscriber deletes the subscription matching token and reports
// how many remain, plus the removed subscribers that have not yet been
// sent a terminal outcome (none once completeOnce has run).
func (r *record) removeSubscriber(token string) (int, []*subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*subscriber
	out := r.subscribers[:0]
	for _, s := range r.subscribers {
		if s.token != token {
			out = append(out, s)
		} else if !r.completionSent {
			removed = append(removed, s)
		}
	}
	r.subscribers = out
	return len(r.subscribers), removed
}

func (r *record) broadcastProgress(fraction float64) {
	r.mu.Lock()
	if fraction < r.lastProgress {
		fraction = r.lastProgress
	}
	if fraction > 1 {
		fraction = 1
	}
	r.lastProgress = fraction
	subs := append([]*subscriber(nil), r.subscribers...)
	r.mu.Unlock()

	for _, s := range subs {
		if s.onProgress != nil {
			s.onProgress(fraction)
		}
	}
}

// completeOnce broadcasts the terminal (bitmap, err) to every current
// subscriber, exactly once per record. A record can reach its terminal
// state from more than one path — run()'s own completion, or a
// CancelAll/Cancel racing it — so every caller must go through this
// instead of delivering completion directly.
func (r *record) completeOnce(bitmap imagekit.Bitmap, err error) {
	r.mu.Lock()
	if r.completionSent {
		r.mu.Unlock()
		return
	}
	r.completionSent = true
	subs := append([]*subscriber(nil), r.subscribers...)
	r.mu.Unlock()

	for _, s := range subs {
		if s.onComplete != nil {
			s.onComplete(bitmap, err)
		}
	}
}

// Transport fetches the raw bytes at url, reporting cumulative bytes read
// via onProgress (which may be called with total<=0 when the size is not
// known ahead of time). It is the extension point the mirror package's
// bee:// backend plugs into; http(s):// is always handled internally and
// never needs a registered Transport.
type Transport interface {
	Fetch(ctx context.Context, url string, onProgress func(read, total int64)) ([]byte, error)
}

// Dispatcher is a bounded, priority-aware, per-URL-deduplicating
// download queue. The zero value is not usable; build one with New.
type Dispatcher struct {
	logger *zap.Logger

	mu            sync.Mutex
	maxConcurrent int
	running       int
	highQueue     []*record
	lowQueue      []*record
	byURL         map[string]*record

	client            *http.Client
	codec             imagekit.Codec
	policy            retrypolicy.Policy
	headers           map[string]string
	authTransform     imagekit.AuthenticationTransform
	perAttemptTimeout time.Duration

	transportsMu sync.RWMutex
	transports   map[string]Transport
}

// New builds a Dispatcher from a NetworkConfig snapshot and the codec
// used to decode downloaded bytes into a Bitmap (spec.md §4.7 step 3).
// The HTTP transport's connection pool is capped at MaxConcurrent,
// matching the dispatcher's own admission bound (spec.md §5).
func New(cfg imagekit.NetworkConfig, codec imagekit.Codec, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		logger:        logger,
		maxConcurrent: maxConcurrent,
		byURL:         make(map[string]*record),
		client: &http.Client{
			Transport: &http.Transport{
				MaxConnsPerHost:     maxConcurrent,
				MaxIdleConnsPerHost: maxConcurrent,
			},
		},
		codec:             codec,
		policy:            retrypolicy.FromConfig(cfg.RetryPolicy),
		headers:           cfg.CustomHeaders,
		authTransform:     cfg.AuthenticationTransform,
		perAttemptTimeout: cfg.Timeout,
		transports:        make(map[string]Transport),
	}
}

// RegisterTransport installs t as the fetch path for every URL whose
// scheme matches (e.g. "bee"). http and https are never overridable; they
// always use the dispatcher's own pooled *http.Client.
func (d *Dispatcher) RegisterTransport(scheme string, t Transport) {
	d.transportsMu.Lock()
	d.transports[scheme] = t
	d.transportsMu.Unlock()
}

func (d *Dispatcher) transportFor(scheme string) (Transport, bool) {
	d.transportsMu.RLock()
	defer d.transportsMu.RUnlock()
	t, ok := d.transports[scheme]
	return t, ok
}

// Submit enqueues url at priority on behalf of token, or — if url is
// already queued or in flight — joins that existing DispatchRecord
// instead of starting a second network fetch (spec.md §4.7's
// deduplication invariant). A Low-priority record still queued when a
// High-priority request joins it is promoted to High.
func (d *Dispatcher) Submit(url string, priority Priority, token string, onProgress ProgressFunc, onComplete CompletionFunc) {
	sub := &subscriber{token: token, onProgress: onProgress, onComplete: onComplete}

	d.mu.Lock()
	if r, exists := d.byURL[url]; exists {
		r.addSubscriber(sub)
		if priority == PriorityHigh {
			r.mu.Lock()
			shouldPromote := r.priority == PriorityLow && r.state == StateQueued
			if shouldPromote {
				r.priority = PriorityHigh
			}
			r.mu.Unlock()
			if shouldPromote {
				d.moveToHighQueueLocked(r)
			}
		}
		d.mu.Unlock()
		return
	}

	r := &record{url: url, priority: priority, state: StateQueued}
	r.subscribers = []*subscriber{sub}
	d.byURL[url] = r
	d.enqueueLocked(r)
	d.mu.Unlock()

	d.tryAdmit()
}

func (d *Dispatcher) enqueueLocked(r *record) {
	if r.priority == PriorityHigh {
		d.highQueue = append(d.highQueue, r)
	} else {
		d.lowQueue = append(d.lowQueue, r)
	}
}

// moveToHighQueueLocked moves r from the low queue to the high queue.
// Callers must already hold d.mu.
func (d *Dispatcher) moveToHighQueueLocked(r *record) {
	for i, q := range d.lowQueue {
		if q == r {
			d.lowQueue = append(d.lowQueue[:i], d.lowQueue[i+1:]...)
			break
		}
	}
	d.highQueue = append(d.highQueue, r)
}

func (d *Dispatcher) removeFromQueues(r *record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, q := range d.highQueue {
		if q == r {
			d.highQueue = append(d.highQueue[:i], d.highQueue[i+1:]...)
			return
		}
	}
	for i, q := range d.lowQueue {
		if q == r {
			d.lowQueue = append(d.lowQueue[:i], d.lowQueue[i+1:]...)
			return
		}
	}
}

// tryAdmit pulls as many queued records as the concurrency bound allows,
// strictly preferring High over Low, and starts them running.
func (d *Dispatcher) tryAdmit() {
	d.mu.Lock()
	var toRun []*record
	for d.running < d.maxConcurrent {
		var r *record
		switch {
		case len(d.highQueue) > 0:
			r = d.highQueue[0]
			d.highQueue = d.highQueue[1:]
		case len(d.lowQueue) > 0:
			r = d.lowQueue[0]
			d.lowQueue = d.lowQueue[1:]
		default:
			d.mu.Unlock()
			for _, r := range toRun {
				go d.run(r)
			}
			return
		}
		r.mu.Lock()
		r.state = StateRunning
		r.mu.Unlock()
		d.running++
		toRun = append(toRun, r)
	}
	d.mu.Unlock()
	for _, r := range toRun {
		go d.run(r)
	}
}

// Cancel ends token's subscription to url; that subscriber receives a
// cancelled terminal error. If token was the last remaining subscriber,
// the underlying fetch (queued or in flight) is cancelled outright.
func (d *Dispatcher) Cancel(url, token string) {
	d.mu.Lock()
	r, exists := d.byURL[url]
	d.mu.Unlock()
	if !exists {
		return
	}

	remaining, removed := r.removeSubscriber(token)
	for _, s := range removed {
		if s.onComplete != nil {
			s.onComplete(nil, imagekit.NewCancelledError())
		}
	}
	if remaining > 0 {
		return
	}

	r.mu.Lock()
	cancel := r.cancel
	state := r.state
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	switch state {
	case StateQueued:
		d.removeFromQueues(r)
		d.evictFromByURL(url, r)
		r.mu.Lock()
		r.state = StateCancelled
		r.mu.Unlock()
		r.completeOnce(nil, imagekit.NewCancelledError())
		d.tryAdmit()
	case StateRunning:
		// Evict now, identity-checked, so a Submit landing before run()
		// notices ctx.Err() starts a fresh fetch instead of joining this
		// now-abandoned record. The in-flight HTTP teardown and slot
		// release stay deferred to run()'s own completion path, since it
		// already holds the running slot.
		d.evictFromByURL(url, r)
	}
}

// CancelAll unconditionally terminates url's DispatchRecord, queued or
// running, regardless of subscriber count, and delivers a cancelled
// terminal error to every current subscriber (spec.md §4.7, §6, §8's
// cancellation-completeness property). Unlike Cancel, it does not wait
// for the last subscriber to leave.
func (d *Dispatcher) CancelAll(url string) {
	d.mu.Lock()
	r, exists := d.byURL[url]
	d.mu.Unlock()
	if !exists {
		return
	}

	r.mu.Lock()
	state := r.state
	cancel := r.cancel
	terminal := state == StateCancelled || state == StateCompleted || state == StateFailed
	if !terminal {
		r.state = StateCancelled
	}
	r.mu.Unlock()
	if terminal {
		return
	}

	if cancel != nil {
		cancel()
	}
	d.evictFromByURL(url, r)

	if state == StateQueued {
		d.removeFromQueues(r)
		d.tryAdmit()
	} else {
		// Was running: free its slot now instead of waiting for run() to
		// notice ctx.Err(), per spec.md's cancel_all contract. releaseRunningSlot
		// guards against run()'s own completion path freeing it a second time.
		d.releaseRunningSlot(r)
	}

	r.completeOnce(nil, imagekit.NewCancelledError())
}

// evictFromByURL removes url from byURL only if it still maps to r,
// so a record already superseded by a fresh Submit is never evicted by a
// stale cleanup path.
func (d *Dispatcher) evictFromByURL(url string, r *record) {
	d.mu.Lock()
	if d.byURL[url] == r {
		delete(d.byURL, url)
	}
	d.mu.Unlock()
}

// releaseRunningSlot frees r's admission slot and retries admission,
// exactly once no matter which of run()'s completion path or CancelAll
// observes r stop running first.
func (d *Dispatcher) releaseRunningSlot(r *record) {
	r.mu.Lock()
	if r.slotReleased {
		r.mu.Unlock()
		return
	}
	r.slotReleased = true
	r.mu.Unlock()

	d.mu.Lock()
	d.running--
	d.mu.Unlock()
	d.tryAdmit()
}

// Stats is a point-in-time snapshot for the coordinator's debug export.
type Stats struct {
	Running    int
	QueuedHigh int
	QueuedLow  int
}

// countingReader wraps a reader, invoking onRead with the cumulative
// byte count after every successful Read.
type countingReader struct {
	inner io.Reader
	total int64
	onRead func(total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		c.total += int64(n)
		if c.onRead != nil {
			c.onRead(c.total)
		}
	}
	return n, err
}

// Snapshot returns the current queue depths and running count.
func (d *Dispatcher) Snapshot() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Running: d.running, QueuedHigh: len(d.highQueue), QueuedLow: len(d.lowQueue)}
}

func (d *Dispatcher) run(r *record) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	var bitmap imagekit.Bitmap
	var fetchErr error
	bo := retrypolicy.BackOff(d.policy)

	for attempt := 0; ; attempt++ {
		r.mu.Lock()
		r.attempt = attempt
		r.mu.Unlock()

		var data []byte
		data, fetchErr = d.fetchOnce(ctx, r)
		if fetchErr == nil {
			bitmap, fetchErr = d.codec.Decode(data)
			if fetchErr != nil {
				fetchErr = imagekit.NewDecodeFailedError("failed to decode downloaded bytes: "+r.url, fetchErr)
			} else {
				break
			}
		}
		if ctx.Err() != nil {
			fetchErr = imagekit.NewCancelledError()
			break
		}
		if !retrypolicy.ShouldRetry(d.policy, fetchErr, attempt) {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		if ctx.Err() != nil {
			fetchErr = imagekit.NewCancelledError()
			break
		}
	}

	d.evictFromByURL(r.url, r)
	d.releaseRunningSlot(r)

	r.mu.Lock()
	switch {
	case fetchErr == nil:
		r.state = StateCompleted
	case imagekit.IsCancelled(fetchErr):
		r.state = StateCancelled
	default:
		r.state = StateFailed
	}
	r.mu.Unlock()

	if fetchErr == nil {
		r.broadcastProgress(1)
	}
	r.completeOnce(bitmap, fetchErr)
}

// fetchOnce performs a single attempt at retrieving r.url's raw bytes.
// http(s):// URLs go through the pooled *http.Client below; any other
// scheme with a registered Transport (the mirror package's "bee") is
// delegated to it instead. Decoding the bytes into a Bitmap happens one
// level up, in run, after this returns.
func (d *Dispatcher) fetchOnce(ctx context.Context, r *record) ([]byte, error) {
	if scheme, ok := schemeOf(r.url); ok && scheme != "http" && scheme != "https" {
		if t, ok := d.transportFor(scheme); ok {
			return d.fetchViaTransport(ctx, t, r)
		}
		return nil, imagekit.NewInvalidURLError("no transport registered for scheme: " + scheme)
	}
	return d.fetchViaHTTP(ctx, r)
}

func (d *Dispatcher) fetchViaTransport(ctx context.Context, t Transport, r *record) ([]byte, error) {
	attemptCtx := ctx
	if d.perAttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.perAttemptTimeout)
		defer cancel()
	}
	data, err := t.Fetch(attemptCtx, r.url, func(read, total int64) {
		if total > 0 {
			r.broadcastProgress(float64(read) / float64(total))
		}
	})
	if err != nil {
		if _, ok := imagekit.AsError(err); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, imagekit.NewCancelledError()
		}
		if attemptCtx.Err() != nil {
			return nil, imagekit.NewTimeoutError("mirror request timed out", err)
		}
		return nil, imagekit.NewNetworkError("mirror transport failed", err)
	}
	return data, nil
}

func schemeOf(rawURL string) (string, bool) {
	for i := 0; i < len(rawURL); i++ {
		if rawURL[i] == ':' {
			return rawURL[:i], true
		}
		if rawURL[i] == '/' {
			break
		}
	}
	return "", false
}

// fetchViaHTTP performs a single HTTP attempt: build the request, apply
// headers and the authentication transform, issue it with a per-attempt
// timeout, and stream the body while reporting byte-level progress.
func (d *Dispatcher) fetchViaHTTP(ctx context.Context, r *record) ([]byte, error) {
	attemptCtx := ctx
	if d.perAttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d.perAttemptTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, imagekit.NewInvalidURLError(r.url + ": " + err.Error())
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}
	if d.authTransform != nil {
		if err := d.authTransform(req); err != nil {
			return nil, imagekit.NewNetworkError("authentication transform failed", err)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, imagekit.NewCancelledError()
		}
		if attemptCtx.Err() != nil {
			return nil, imagekit.NewTimeoutError("request timed out", err)
		}
		return nil, imagekit.NewNetworkError("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, imagekit.NewNotFoundError(r.url)
	}
	if resp.StatusCode >= 400 {
		retryable := retrypolicy.RetryableStatus(resp.StatusCode)
		return nil, imagekit.NewNetworkErrorRetryable(
			fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, r.url), nil, retryable)
	}

	total := resp.ContentLength
	reader := &countingReader{inner: resp.Body, onRead: func(n int64) {
		if total > 0 {
			r.broadcastProgress(float64(n) / float64(total))
		}
	}}
	data, err := io.ReadAll(reader)
	if err != nil {
		if ctx.Err() != nil {
			return nil, imagekit.NewCancelledError()
		}
		return nil, imagekit.NewNetworkError("failed reading response body", err)
	}

	return data, nil
}
