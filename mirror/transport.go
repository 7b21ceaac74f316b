package mirror

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// rawConn is the minimal bidirectional stream the Noise IK handshake and
// the framed fetch protocol run over, satisfied by both a TCP connection
// and a QUIC stream. Adapted from pkg/transport's Conn interface, trimmed
// to what mirror actually uses.
type rawConn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// rawDialer opens a rawConn to addr, the same responsibility pkg/transport.
// Transport.Dial carries, generalized away from BeeNet's TLS-everywhere
// default: the mirror transport's confidentiality comes from the Noise IK
// session layered on top, not from TLS, so the dial step here is bare.
type rawDialer interface {
	Dial(ctx context.Context, addr string) (rawConn, error)
	Name() string
}

// tcpDialer dials plain TCP, adapted from pkg/transport/tcp.Transport.Dial
// with the TLS handshake removed (Noise IK supersedes it here).
type tcpDialer struct {
	connectTimeout time.Duration
}

func newTCPDialer(timeout time.Duration) *tcpDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &tcpDialer{connectTimeout: timeout}
}

func (d *tcpDialer) Name() string { return "tcp" }

func (d *tcpDialer) Dial(ctx context.Context, addr string) (rawConn, error) {
	dialer := &net.Dialer{Timeout: d.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing tcp %s: %w", addr, err)
	}
	return conn, nil
}

// quicDialer dials over QUIC, adapted from pkg/transport/quic.Transport.Dial.
// QUIC mandates a TLS handshake beneath the transport; since the real
// confidentiality guarantee is Noise IK's, the TLS layer here runs with
// certificate verification disabled (InsecureSkipVerify) purely to satisfy
// the protocol, not as a security boundary.
type quicDialer struct {
	idleTimeout time.Duration
}

func newQUICDialer(idleTimeout time.Duration) *quicDialer {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &quicDialer{idleTimeout: idleTimeout}
}

func (d *quicDialer) Name() string { return "quic" }

func (d *quicDialer) Dial(ctx context.Context, addr string) (rawConn, error) {
	tlsConfig := &tls.Config{
		NextProtos:         []string{"imagekit-mirror/1"},
		InsecureSkipVerify: true,
	}
	connection, err := quic.DialAddr(ctx, addr, tlsConfig, &quic.Config{
		MaxIdleTimeout: d.idleTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing quic %s: %w", addr, err)
	}
	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("opening quic stream to %s: %w", addr, err)
	}
	return &quicStreamConn{connection: connection, stream: stream}, nil
}

// quicStreamConn adapts a quic.Connection+Stream pair to rawConn, mirroring
// pkg/transport/quic.Conn's wrapping.
type quicStreamConn struct {
	connection *quic.Conn
	stream     *quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicStreamConn) Close() error {
	c.stream.Close()
	return c.connection.CloseWithError(0, "")
}

func (c *quicStreamConn) SetDeadline(t time.Time) error {
	return c.stream.SetDeadline(t)
}
