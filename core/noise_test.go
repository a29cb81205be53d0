package core

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func noiseHandshakePair(t *testing.T) (*NoiseSession, *NoiseSession) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("server keypair: %v", err)
	}
	clientKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("client keypair: %v", err)
	}

	type result struct {
		sess *NoiseSession
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverCh <- result{nil, err}
			return
		}
		sess, err := AcceptNoiseXK(conn, serverKey, NetworkTestnet, 5*time.Second)
		serverCh <- result{sess, err}
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.Public)

	clientSess, err := DialNoiseXK(clientConn, clientKey, serverPub, NetworkTestnet, 5*time.Second)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("server handshake: %v", res.err)
	}

	return clientSess, res.sess
}

func TestNoiseHandshakeEstablishesSharedTransport(t *testing.T) {
	client, server := noiseHandshakePair(t)
	defer client.Close()
	defer server.Close()

	if server.RemoteStatic() == ([32]byte{}) {
		t.Fatalf("server should have learned the client's static key")
	}
}

func TestNoiseSessionEncryptsBothDirections(t *testing.T) {
	client, server := noiseHandshakePair(t)
	defer client.Close()
	defer server.Close()

	msg := []byte("ping from client")
	if err := client.WriteDatagram(msg); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got, err := server.ReadDatagram()
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("mismatch: want %q got %q", msg, got)
	}

	reply := []byte("pong from server")
	if err := server.WriteDatagram(reply); err != nil {
		t.Fatalf("server write: %v", err)
	}
	got2, err := client.ReadDatagram()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got2, reply) {
		t.Fatalf("mismatch: want %q got %q", reply, got2)
	}
}

func TestNoiseHandshakeTimesOutWithoutPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	key, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		_, err = AcceptNoiseXK(conn, key, NetworkTestnet, 200*time.Millisecond)
		serverDone <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := <-serverDone; err == nil {
		t.Fatalf("expected handshake timeout error")
	}
}

func TestStaticKeypairFromSeedRejectsWrongLength(t *testing.T) {
	if _, err := StaticKeypairFromEd25519Seed([]byte("too short")); err == nil {
		t.Fatalf("expected error for undersized seed")
	}
}

func TestStaticKeypairFromSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	a, err := StaticKeypairFromEd25519Seed(seed)
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	b, err := StaticKeypairFromEd25519Seed(seed)
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}
	if !bytes.Equal(a.Public, b.Public) || !bytes.Equal(a.Private, b.Private) {
		t.Fatalf("expected deterministic derivation from the same seed")
	}
}
