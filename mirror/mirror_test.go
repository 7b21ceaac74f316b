package mirror

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/flynn/noise"

	imagekit "github.com/kestrelimg/imagekit"
)

// pipeConn adapts net.Conn (from net.Pipe, which already implements
// SetDeadline) to the rawConn interface.
type pipeConn struct {
	net.Conn
}

// pipeDialer ignores addr and always returns one end of a fresh in-memory
// pipe, the other end of which the test wires up to a fake mirror host.
type pipeDialer struct {
	client, server net.Conn
}

func newPipeDialer() *pipeDialer {
	c, s := net.Pipe()
	return &pipeDialer{client: c, server: s}
}

func (d *pipeDialer) Name() string { return "pipe" }

func (d *pipeDialer) Dial(ctx context.Context, addr string) (rawConn, error) {
	return pipeConn{d.client}, nil
}

// fakeMirrorHost runs the responder side of one handshake plus one
// request/response frame exchange, serving body for every request.
func fakeMirrorHost(t *testing.T, conn net.Conn, serverKey noise.DHKey, body []byte, notFound bool) {
	t.Helper()
	sess, err := runServerHandshake(pipeConn{conn}, serverKey)
	if err != nil {
		t.Errorf("server handshake: %v", err)
		return
	}

	reqCipher, err := readLengthPrefixed(pipeConn{conn})
	if err != nil {
		t.Errorf("reading request: %v", err)
		return
	}
	reqPlain, err := sess.Decrypt(reqCipher)
	if err != nil {
		t.Errorf("decrypting request: %v", err)
		return
	}
	if _, err := unmarshalFrame(reqPlain); err != nil {
		t.Errorf("unmarshalling request: %v", err)
		return
	}

	resp := fetchFrame{Kind: kindFetchResponse, OK: !notFound, Body: body}
	if notFound {
		resp.Error = "not found"
	}
	respPlain, err := marshalFrame(resp)
	if err != nil {
		t.Errorf("marshalling response: %v", err)
		return
	}
	respCipher, err := sess.Encrypt(respPlain)
	if err != nil {
		t.Errorf("encrypting response: %v", err)
		return
	}
	if err := writeLengthPrefixed(pipeConn{conn}, respCipher); err != nil {
		t.Errorf("writing response: %v", err)
	}
}

func TestFetchRoundTripOverPipe(t *testing.T) {
	dialer := newPipeDialer()
	serverKey, err := generateStaticKeypair()
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeMirrorHost(t, dialer.server, serverKey, []byte("mirrored bytes"), false)
	}()

	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.dialer = dialer
	m.TrustHost("swarm.example", serverKey.Public)

	var gotRead, gotTotal int64
	data, err := m.Fetch(context.Background(), "bee://swarm.example/a.png", func(read, total int64) {
		gotRead, gotTotal = read, total
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "mirrored bytes" {
		t.Fatalf("unexpected body: %q", data)
	}
	if gotRead != gotTotal || gotRead == 0 {
		t.Fatalf("expected terminal progress callback, got %d/%d", gotRead, gotTotal)
	}

	<-done
}

func TestFetchUnpinnedHostFails(t *testing.T) {
	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = m.Fetch(context.Background(), "bee://unknown.example/a.png", nil)
	if err == nil {
		t.Fatalf("expected error for unpinned host")
	}
	if !imagekit.IsKind(err, imagekit.KindInvalidURL) {
		t.Fatalf("expected invalid_url kind, got %v", err)
	}
}

func TestFetchNotFound(t *testing.T) {
	dialer := newPipeDialer()
	serverKey, err := generateStaticKeypair()
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		fakeMirrorHost(t, dialer.server, serverKey, nil, true)
	}()

	m, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.dialer = dialer
	m.TrustHost("swarm.example", serverKey.Public)

	_, err = m.Fetch(context.Background(), "bee://swarm.example/missing.png", nil)
	if !imagekit.IsNotFound(err) {
		t.Fatalf("expected not_found, got %v", err)
	}

	<-done
}

func TestRateLimiterBoundsHandshakeAttempts(t *testing.T) {
	rl := newRateLimiter(1, time.Hour)
	if !rl.Allow("host-a") {
		t.Fatalf("first attempt should be allowed")
	}
	if rl.Allow("host-a") {
		t.Fatalf("second immediate attempt should be rate limited")
	}
	if !rl.Allow("host-b") {
		t.Fatalf("a different host must have its own bucket")
	}
}
