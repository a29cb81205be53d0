package core

import (
	"net"
	"testing"
	"time"

	"github.com/flynn/noise"
)

// rawPeer drives the remote side of a connection manually, bypassing
// PeerConnection entirely, so tests can script exactly what a peer sends
// and assert on exactly what it receives.
type rawPeer struct {
	sess  *NoiseSession
	reasm Reassembler
}

func dialRawPeer(t *testing.T, addr string, local noise.DHKey, serverPub [32]byte, network Network) *rawPeer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sess, err := DialNoiseXK(conn, local, serverPub, network, 2*time.Second)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	return &rawPeer{sess: sess}
}

func (p *rawPeer) send(t *testing.T, typ MsgType, payload []byte) {
	t.Helper()
	if err := SendMessage(p.sess, EncodeEnvelope(typ, payload)); err != nil {
		t.Fatalf("send %v: %v", typ, err)
	}
}

func (p *rawPeer) recv(t *testing.T, timeout time.Duration) (MsgType, []byte) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if err := p.sess.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set read deadline: %v", err)
		}
		datagram, err := p.sess.ReadDatagram()
		if err != nil {
			t.Fatalf("read datagram: %v", err)
		}
		msg, err := p.reasm.Feed(datagram)
		if err != nil {
			t.Fatalf("reassemble: %v", err)
		}
		if msg == nil {
			continue
		}
		typ, payload, err := DecodeEnvelope(msg)
		if err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		return typ, payload
	}
}

// startTestListener binds a real loopback TCP listener, runs a single
// RunInbound connection per accept, and returns the address and server
// identity for a raw remote peer to dial against.
func startTestListener(t *testing.T, cfg ConnectionConfig) (addr string, serverKey noise.DHKey) {
	t.Helper()
	serverKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	cfg.LocalKeypair = serverKey
	if cfg.Network == "" {
		cfg.Network = NetworkTestnet
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 2 * time.Second
	}
	if cfg.FirstPingTimeout <= 0 {
		cfg.FirstPingTimeout = 2 * time.Second
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		pc := NewInboundConnection(conn, cfg)
		pc.RunInbound()
	}()

	return ln.Addr().String(), serverKey
}

func TestInboundPingEcho(t *testing.T) {
	registry := NewPeerRegistry(nil, nil, nil)
	addr, serverKey := startTestListener(t, ConnectionConfig{Registry: registry})

	clientKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.Public)

	remote := dialRawPeer(t, addr, clientKey, serverPub, NetworkTestnet)

	ping, err := NewOutboundPing(4000, NetworkTestnet, nil)
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	pingBytes, err := EncodePing(ping)
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	remote.send(t, MsgPing, pingBytes)

	typ, payload := remote.recv(t, 2*time.Second)
	if typ != MsgP2PResponse {
		t.Fatalf("expected p2p_response, got %v", typ)
	}
	resp, err := DecodeP2PResponse(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Result || resp.InnerType != MsgPing {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, err := DecodePing(resp.Object); err != nil {
		t.Fatalf("decode echoed ping payload: %v", err)
	}

	var clientPub [32]byte
	copy(clientPub[:], clientKey.Public)
	deadline := time.Now().Add(2 * time.Second)
	for !registry.HavePeer(clientPub) {
		if time.Now().After(deadline) {
			t.Fatalf("server never registered the remote peer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCrossNetworkPingStillGetsAResponse(t *testing.T) {
	registry := NewPeerRegistry(nil, nil, nil)
	addr, serverKey := startTestListener(t, ConnectionConfig{Network: NetworkMainnet, Registry: registry})

	clientKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.Public)

	remote := dialRawPeer(t, addr, clientKey, serverPub, NetworkMainnet)

	ping, err := NewOutboundPing(4000, NetworkTestnet, nil)
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	pingBytes, err := EncodePing(ping)
	if err != nil {
		t.Fatalf("encode ping: %v", err)
	}
	remote.send(t, MsgPing, pingBytes)

	typ, payload := remote.recv(t, 2*time.Second)
	if typ != MsgP2PResponse {
		t.Fatalf("expected p2p_response even on genesis mismatch, got %v", typ)
	}
	resp, err := DecodeP2PResponse(payload)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Result {
		t.Fatalf("the reply itself still reports success; only peer registration is skipped")
	}

	var clientPub [32]byte
	copy(clientPub[:], clientKey.Public)
	if registry.HavePeer(clientPub) {
		t.Fatalf("peer with mismatched genesis hash must not be registered")
	}
}

func TestFirstPingTimeoutClosesConnection(t *testing.T) {
	registry := NewPeerRegistry(nil, nil, nil)
	addr, serverKey := startTestListener(t, ConnectionConfig{
		Registry:         registry,
		FirstPingTimeout: 100 * time.Millisecond,
	})

	clientKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.Public)

	remote := dialRawPeer(t, addr, clientKey, serverPub, NetworkTestnet)

	if err := remote.sess.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	if _, err := remote.sess.ReadDatagram(); err == nil {
		t.Fatalf("expected the server to close the socket after the first-ping deadline")
	}
}

func TestMicroBlockWithTxHashesTriggersGetBlockTxs(t *testing.T) {
	registry := NewPeerRegistry(nil, nil, nil)
	var gotTxs []SignedTxEnvelope
	txsCh := make(chan struct{}, 1)
	addr, serverKey := startTestListener(t, ConnectionConfig{
		Registry: registry,
		OnTxs: func(txs []SignedTxEnvelope) {
			gotTxs = txs
			txsCh <- struct{}{}
		},
	})

	clientKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.Public)

	remote := dialRawPeer(t, addr, clientKey, serverPub, NetworkTestnet)

	header := &MicroBlockHeader{Version: 1, Height: 1}
	headerBytes := EncodeMicroBlockHeader(header)
	var h1 [32]byte
	h1[0] = 0x42
	template := []Item{
		headerBytes,
		[]Item{append([]byte(nil), h1[:]...)},
		[]Item{},
	}
	templateBytes, err := EncodeRLP(template)
	if err != nil {
		t.Fatalf("encode template: %v", err)
	}
	outer := []Item{minimalBigEndian(1), templateBytes, []byte{0x01}}
	mbBytes, err := EncodeRLP(outer)
	if err != nil {
		t.Fatalf("encode micro_block: %v", err)
	}
	remote.send(t, MsgMicroBlock, mbBytes)

	typ, payload := remote.recv(t, 2*time.Second)
	if typ != MsgGetBlockTxs {
		t.Fatalf("expected get_block_txs request, got %v", typ)
	}
	item, _, err := DecodeRLP(payload)
	if err != nil {
		t.Fatalf("decode get_block_txs: %v", err)
	}
	fields, err := asList(item)
	if err != nil || len(fields) != 3 {
		t.Fatalf("expected 3-field get_block_txs list: %v (err %v)", item, err)
	}

	bt := &BlockTxs{
		VersionTag: 1,
		Txs:        []SignedTxEnvelope{{TxBody: []byte("payload"), TxTypeTag: 7}},
	}
	items := []Item{
		minimalBigEndian(bt.VersionTag),
		append([]byte(nil), bt.BlockHash[:]...),
		[]Item{
			[]Item{bt.Txs[0].TxBody, minimalBigEndian(uint64(bt.Txs[0].TxTypeTag))},
		},
	}
	btBytes, err := EncodeRLP(items)
	if err != nil {
		t.Fatalf("encode block_txs: %v", err)
	}
	resp := &P2PResponse{VersionTag: 1, Result: true, InnerType: MsgBlockTxs, Object: btBytes}
	respBytes, err := EncodeP2PResponse(resp)
	if err != nil {
		t.Fatalf("encode p2p_response: %v", err)
	}
	remote.send(t, MsgP2PResponse, respBytes)

	select {
	case <-txsCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnTxs hook was never called")
	}
	if len(gotTxs) != 1 || string(gotTxs[0].TxBody) != "payload" || gotTxs[0].TxTypeTag != 7 {
		t.Fatalf("unexpected txs delivered: %+v", gotTxs)
	}
}

func TestKeyBlockDispatchesToHook(t *testing.T) {
	registry := NewPeerRegistry(nil, nil, nil)
	gotCh := make(chan *IdentifiedKeyBlockHeader, 1)
	addr, serverKey := startTestListener(t, ConnectionConfig{
		Registry: registry,
		OnKeyBlock: func(h *IdentifiedKeyBlockHeader) {
			gotCh <- h
		},
	})

	clientKey, err := GenerateStaticKeypair()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	var serverPub [32]byte
	copy(serverPub[:], serverKey.Public)

	remote := dialRawPeer(t, addr, clientKey, serverPub, NetworkTestnet)

	header := sampleKeyBlockHeader()
	header.Height = 42
	headerBytes := EncodeKeyBlockHeader(header)
	outer := []Item{minimalBigEndian(1), headerBytes}
	enc, err := EncodeRLP(outer)
	if err != nil {
		t.Fatalf("encode key_block: %v", err)
	}
	remote.send(t, MsgKeyBlock, enc)

	select {
	case h := <-gotCh:
		if h.Height != 42 {
			t.Fatalf("unexpected height: %d", h.Height)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnKeyBlock hook was never called")
	}
}
