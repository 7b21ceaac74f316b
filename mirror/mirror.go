// Package mirror is the optional bee://-scheme peer transport described in
// SPEC_FULL.md's supplemented features: an alternate backend for the
// dispatcher, addressed at a swarm of content mirrors instead of a single
// HTTP origin, secured by a Noise IK handshake and framed in CBOR. A
// Coordinator built without a Mirror behaves exactly as if this package did
// not exist; http(s):// fetches never touch it.
package mirror

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/flynn/noise"

	imagekit "github.com/kestrelimg/imagekit"
)

// PeerKey is a pinned mirror host's X25519 static public key, set ahead of
// time with TrustHost; it stands in for pkg/security/noiseik's BID-bound identity:
// a mirror fetch has no swarm membership to verify, only "is this the host
// I think it is".
type PeerKey []byte

// Mirror fetches content over the bee:// scheme from a fixed set of pinned
// mirror hosts. The zero value is not usable; build one with New.
type Mirror struct {
	local   noise.DHKey
	dialer  rawDialer
	limiter *rateLimiter

	mu    sync.RWMutex
	peers map[string]PeerKey // host -> pinned static key
}

// Config selects the raw transport (tcp or quic) and rate-limiting
// parameters for a Mirror.
type Config struct {
	// UseQUIC selects the QUIC raw transport instead of plain TCP.
	UseQUIC bool
	// DialTimeout bounds a single TCP connection attempt. The QUIC dialer
	// does not use it; a QUIC dial is bounded only by the caller's context.
	DialTimeout time.Duration
	// HandshakesPerHost and HandshakeRefill bound how often this Mirror
	// will attempt a fresh handshake against the same host (SUPPLEMENTED
	// FEATURES §3): capacity tokens, one refilling every HandshakeRefill.
	HandshakesPerHost int
	HandshakeRefill   time.Duration
}

// New builds a Mirror with a freshly generated client identity keypair.
func New(cfg Config) (*Mirror, error) {
	local, err := generateStaticKeypair()
	if err != nil {
		return nil, fmt.Errorf("generating mirror identity keypair: %w", err)
	}

	var dialer rawDialer
	if cfg.UseQUIC {
		dialer = newQUICDialer(0)
	} else {
		dialer = newTCPDialer(cfg.DialTimeout)
	}

	return &Mirror{
		local:   local,
		dialer:  dialer,
		limiter: newRateLimiter(cfg.HandshakesPerHost, cfg.HandshakeRefill),
		peers:   make(map[string]PeerKey),
	}, nil
}

// TrustHost pins host's static public key, required before Fetch will
// dial it. Fetching an unpinned host fails closed.
func (m *Mirror) TrustHost(host string, key PeerKey) {
	m.mu.Lock()
	m.peers[host] = key
	m.mu.Unlock()
}

func (m *Mirror) peerKey(host string) (PeerKey, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.peers[host]
	return k, ok
}

// Fetch implements dispatcher.Transport for the "bee" scheme: dial host,
// run the Noise IK handshake, exchange one request/response frame pair,
// and return the response body. One Fetch call is one fresh connection;
// the dispatcher's own deduplication means two callers never race to
// fetch the same URL concurrently through here.
func (m *Mirror) Fetch(ctx context.Context, rawURL string, onProgress func(read, total int64)) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "bee" {
		return nil, imagekit.NewInvalidURLError("not a bee:// url: " + rawURL)
	}
	host := u.Host
	if host == "" {
		return nil, imagekit.NewInvalidURLError("bee:// url missing host: " + rawURL)
	}

	peerKey, ok := m.peerKey(host)
	if !ok {
		return nil, imagekit.NewInvalidURLError("unpinned mirror host: " + host)
	}

	if !m.limiter.Allow(host) {
		return nil, imagekit.NewNetworkErrorRetryable("mirror handshake rate limit exceeded for "+host, nil, true)
	}

	conn, err := m.dialer.Dial(ctx, host)
	if err != nil {
		return nil, imagekit.NewNetworkError("dialing mirror host "+host, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sess, err := runClientHandshake(conn, m.local, peerKey)
	if err != nil {
		return nil, imagekit.NewNetworkError("noise handshake with "+host, err)
	}

	reqFrame, err := marshalFrame(fetchFrame{Kind: kindFetchRequest, Path: u.Path})
	if err != nil {
		return nil, imagekit.NewUnknownError(err)
	}
	ciphertext, err := sess.Encrypt(reqFrame)
	if err != nil {
		return nil, imagekit.NewNetworkError("encrypting mirror request", err)
	}
	if err := writeLengthPrefixed(conn, ciphertext); err != nil {
		return nil, imagekit.NewNetworkError("sending mirror request", err)
	}

	respCiphertext, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, imagekit.NewNetworkError("reading mirror response", err)
	}
	plaintext, err := sess.Decrypt(respCiphertext)
	if err != nil {
		return nil, imagekit.NewNetworkError("decrypting mirror response", err)
	}
	resp, err := unmarshalFrame(plaintext)
	if err != nil {
		return nil, imagekit.NewUnknownError(err)
	}
	if resp.Kind != kindFetchResponse {
		return nil, imagekit.NewNetworkError("unexpected mirror frame kind", nil)
	}
	if !resp.OK {
		if resp.Error == "not found" {
			return nil, imagekit.NewNotFoundError(rawURL)
		}
		return nil, imagekit.NewNetworkErrorRetryable("mirror host reported error: "+resp.Error, nil, true)
	}

	if onProgress != nil {
		onProgress(int64(len(resp.Body)), int64(len(resp.Body)))
	}
	return resp.Body, nil
}

// StaticPublicKey returns this Mirror's own X25519 public key, for
// operators to hand to mirror hosts that want to pin this client in turn.
func (m *Mirror) StaticPublicKey() []byte {
	return m.local.Public
}
