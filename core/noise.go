package core

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// noiseCipherSuite is Noise_XK_25519_ChaChaPoly_BLAKE2b: X25519 for the DH
// function, ChaChaPoly for AEAD, BLAKE2b for the handshake hash.
var noiseCipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// noisePrologueTag is mixed into every handshake alongside the protocol
// version and genesis hash.
const noisePrologueTag = "my_test"

// GenerateStaticKeypair produces a fresh X25519 static identity for Noise.
func GenerateStaticKeypair() (noise.DHKey, error) {
	key, err := noiseCipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("noise: generate keypair: %w", err)
	}
	return key, nil
}

// StaticKeypairFromEd25519Seed deterministically derives the node's X25519
// static keypair from a 32-byte Ed25519 seed, the same seed-to-key
// derivation shape this codebase's wallet uses for signing keys.
func StaticKeypairFromEd25519Seed(seed []byte) (noise.DHKey, error) {
	if len(seed) != ed25519.SeedSize {
		return noise.DHKey{}, fmt.Errorf("noise: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key, err := noiseCipherSuite.GenerateKeypair(bytes.NewReader(seed))
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("noise: derive keypair from seed: %w", err)
	}
	return key, nil
}

func noisePrologue(network Network) ([]byte, error) {
	hash, err := GenesisHash(network)
	if err != nil {
		return nil, fmt.Errorf("noise: prologue: %w", err)
	}
	var vsn [8]byte
	binary.BigEndian.PutUint64(vsn[:], ProtocolVersion)

	buf := make([]byte, 0, len(vsn)+len(hash)+len(noisePrologueTag))
	buf = append(buf, vsn[:]...)
	buf = append(buf, hash[:]...)
	buf = append(buf, noisePrologueTag...)
	return buf, nil
}

// NoiseSession wraps a completed Noise_XK transport: WriteDatagram/
// ReadDatagram move whole application datagrams across a length-prefixed
// TCP byte stream, serializing writes so Framing's fan-out of ping
// handling can still share one send path per connection.
type NoiseSession struct {
	conn         net.Conn
	send         *noise.CipherState
	recv         *noise.CipherState
	remoteStatic [32]byte

	writeMu sync.Mutex
}

var _ DatagramWriter = (*NoiseSession)(nil)

// RemoteStatic returns the peer's static public key, known before the
// handshake for outbound sessions and learned during it for inbound ones.
func (s *NoiseSession) RemoteStatic() [32]byte { return s.remoteStatic }

// WriteDatagram encrypts and sends one application datagram.
func (s *NoiseSession) WriteDatagram(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ct, err := s.send.Encrypt(nil, nil, b)
	if err != nil {
		return fmt.Errorf("noise: encrypt datagram: %w", err)
	}
	if err := writeLengthPrefixed(s.conn, ct); err != nil {
		return fmt.Errorf("noise: write datagram: %w", err)
	}
	return nil
}

// ReadDatagram blocks for and decrypts the next inbound datagram. It is
// only ever called from the connection's single owning goroutine.
func (s *NoiseSession) ReadDatagram() ([]byte, error) {
	ct, err := readLengthPrefixed(s.conn)
	if err != nil {
		return nil, fmt.Errorf("noise: read datagram: %w", err)
	}
	pt, err := s.recv.Decrypt(nil, nil, ct)
	if err != nil {
		return nil, fmt.Errorf("noise: decrypt datagram: %w", err)
	}
	return pt, nil
}

// Close releases the underlying socket.
func (s *NoiseSession) Close() error {
	return s.conn.Close()
}

// SetReadDeadline forwards to the underlying socket; useful for bounding a
// blocking ReadDatagram call.
func (s *NoiseSession) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// DialNoiseXK runs the initiator side of the Noise_XK handshake over an
// already-connected socket. remoteStatic must be known in advance, per
// Noise_XK's pre-message requirement for outbound sessions.
func DialNoiseXK(conn net.Conn, local noise.DHKey, remoteStatic [32]byte, network Network, timeout time.Duration) (*NoiseSession, error) {
	prologue, err := noisePrologue(network)
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     true,
		StaticKeypair: local,
		PeerStatic:    remoteStatic[:],
		Prologue:      prologue,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake state: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("noise: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build msg1: %v", ErrHandshakeFailed, err)
	}
	if err := writeLengthPrefixed(conn, msg1); err != nil {
		return nil, fmt.Errorf("%w: send msg1: %v", ErrHandshakeTimeout, err)
	}

	msg2, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: recv msg2: %v", ErrHandshakeTimeout, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg2); err != nil {
		return nil, fmt.Errorf("%w: read msg2: %v", ErrHandshakeFailed, err)
	}

	msg3, csOut, csIn, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build msg3: %v", ErrHandshakeFailed, err)
	}
	if err := writeLengthPrefixed(conn, msg3); err != nil {
		return nil, fmt.Errorf("%w: send msg3: %v", ErrHandshakeTimeout, err)
	}

	return &NoiseSession{conn: conn, send: csOut, recv: csIn, remoteStatic: remoteStatic}, nil
}

// AcceptNoiseXK runs the responder side of the Noise_XK handshake. The
// remote static key is not known beforehand; it is learned from the final
// handshake message and returned via NoiseSession.RemoteStatic.
func AcceptNoiseXK(conn net.Conn, local noise.DHKey, network Network, timeout time.Duration) (*NoiseSession, error) {
	prologue, err := noisePrologue(network)
	if err != nil {
		return nil, err
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   noiseCipherSuite,
		Pattern:       noise.HandshakeXK,
		Initiator:     false,
		StaticKeypair: local,
		Prologue:      prologue,
	})
	if err != nil {
		return nil, fmt.Errorf("noise: init handshake state: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("noise: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	msg1, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: recv msg1: %v", ErrHandshakeTimeout, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("%w: read msg1: %v", ErrHandshakeFailed, err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build msg2: %v", ErrHandshakeFailed, err)
	}
	if err := writeLengthPrefixed(conn, msg2); err != nil {
		return nil, fmt.Errorf("%w: send msg2: %v", ErrHandshakeTimeout, err)
	}

	msg3, err := readLengthPrefixed(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: recv msg3: %v", ErrHandshakeTimeout, err)
	}
	_, csIn, csOut, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, fmt.Errorf("%w: read msg3: %v", ErrHandshakeFailed, err)
	}

	var remoteStatic [32]byte
	copy(remoteStatic[:], hs.PeerStatic())
	return &NoiseSession{conn: conn, send: csOut, recv: csIn, remoteStatic: remoteStatic}, nil
}

// writeLengthPrefixed and readLengthPrefixed frame raw Noise handshake and
// transport messages over the TCP byte stream with a 2-byte big-endian
// length prefix; Noise itself only guarantees message boundaries over an
// already-framed transport.
func writeLengthPrefixed(conn net.Conn, data []byte) error {
	if len(data) > 0xffff {
		return fmt.Errorf("frame too large (%d bytes)", len(data))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(data)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

func readLengthPrefixed(conn net.Conn) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint16(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}
