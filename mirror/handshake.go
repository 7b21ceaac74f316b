package mirror

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

// cipherSuite matches pkg/security/noiseik/protocol.go's choice: X25519 for
// key agreement, ChaCha20-Poly1305 for the session cipher, BLAKE2b for the
// handshake hash.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// session is an established Noise IK transport session: one CipherState
// per direction, as flynn/noise returns from a completed handshake.
type session struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func (s *session) Encrypt(plaintext []byte) ([]byte, error) {
	return s.send.Encrypt(nil, nil, plaintext)
}

func (s *session) Decrypt(ciphertext []byte) ([]byte, error) {
	return s.recv.Decrypt(nil, nil, ciphertext)
}

// generateStaticKeypair produces a fresh X25519 keypair for a Mirror
// client or host identity, the way NewHandshake fills noiseKey in
// pkg/security/noiseik/protocol.go.
func generateStaticKeypair() (noise.DHKey, error) {
	return cipherSuite.GenerateKeypair(rand.Reader)
}

// runClientHandshake performs the two-message Noise_IK initiator side over
// rw, authenticating the remote mirror by its pinned static public key
// peerStatic. There is no separate ClientHello/ServerHello envelope here —
// unlike pkg/security/noiseik's swarm-wide handshake, a mirror fetch has no
// BID, capability list, or admission token to carry, so the raw two Noise
// messages are exchanged directly.
func runClientHandshake(rw io.ReadWriter, local noise.DHKey, peerStatic []byte) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     true,
		StaticKeypair: local,
		PeerStatic:    peerStatic,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing client handshake: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("writing handshake message 1: %w", err)
	}
	if err := writeLengthPrefixed(rw, msg1); err != nil {
		return nil, fmt.Errorf("sending handshake message 1: %w", err)
	}

	msg2, err := readLengthPrefixed(rw)
	if err != nil {
		return nil, fmt.Errorf("reading handshake message 2: %w", err)
	}
	_, csSend, csRecv, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("processing handshake message 2: %w", err)
	}
	if csSend == nil || csRecv == nil {
		return nil, fmt.Errorf("handshake did not complete after message 2")
	}
	return &session{send: csSend, recv: csRecv}, nil
}

// runServerHandshake is the responder counterpart, kept for symmetry and
// for the in-process test mirror host; a production deployment would run
// this inside a long-lived mirror daemon, out of scope here.
func runServerHandshake(rw io.ReadWriter, local noise.DHKey) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: local,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing server handshake: %w", err)
	}

	msg1, err := readLengthPrefixed(rw)
	if err != nil {
		return nil, fmt.Errorf("reading handshake message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("processing handshake message 1: %w", err)
	}

	msg2, csRecv, csSend, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("writing handshake message 2: %w", err)
	}
	if err := writeLengthPrefixed(rw, msg2); err != nil {
		return nil, fmt.Errorf("sending handshake message 2: %w", err)
	}
	if csSend == nil || csRecv == nil {
		return nil, fmt.Errorf("handshake did not complete after message 2")
	}
	return &session{send: csSend, recv: csRecv}, nil
}
