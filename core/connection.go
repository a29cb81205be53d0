package core

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ConnState is a PeerConnection's position in the state machine from §4.4.
type ConnState int

const (
	StateDialing ConnState = iota
	StateAccepting
	StateHandshaking
	StateConnected
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateAccepting:
		return "accepting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// KeyBlockHook receives decoded key blocks; TxsHook receives the
// transactions delivered by a block_txs response. Both are best-effort:
// slow consumers must not block the dispatch goroutine, so callers should
// keep hooks cheap or hand work off themselves.
type KeyBlockHook func(*IdentifiedKeyBlockHeader)
type TxsHook func([]SignedTxEnvelope)

// ConnectionConfig is the shared, immutable configuration every
// PeerConnection on this listener is built from.
type ConnectionConfig struct {
	Network          Network
	LocalKeypair     noise.DHKey
	ListenPort       uint64
	HandshakeTimeout time.Duration
	FirstPingTimeout time.Duration
	Registry         *PeerRegistry
	Logger           *logrus.Logger
	OnKeyBlock       KeyBlockHook
	OnTxs            TxsHook
	Stats            *ListenerStats
}

func (c ConnectionConfig) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.New()
}

// pendingRequests tracks outstanding requests per inner_type so mis-ordered
// or duplicate p2p_response messages can be tolerated: dropped with a log
// line rather than acted on twice.
type pendingRequests struct {
	mu    sync.Mutex
	count map[MsgType]int
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{count: make(map[MsgType]int)}
}

func (p *pendingRequests) add(t MsgType) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count[t]++
}

// take reports whether a request of type t was outstanding, consuming it if
// so. A false return means the response is unsolicited, mis-ordered past
// what we tracked, or a duplicate.
func (p *pendingRequests) take(t MsgType) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count[t] <= 0 {
		return false
	}
	p.count[t]--
	return true
}

// PeerConnection is the per-socket state machine: handshake, first-ping
// gate, then steady-state dispatch. It owns the Noise session and the
// fragment reassembly buffer; only its own goroutine touches either.
type PeerConnection struct {
	cfg  ConnectionConfig
	conn net.Conn
	sess *NoiseSession

	// id is a per-connection correlation ID carried on every log line so a
	// single connection's lifecycle can be grepped out of a busy listener's
	// logs even across reconnects to the same peer.
	id uuid.UUID

	stateMu sync.Mutex
	state   ConnState

	remotePubKey [32]byte
	knownRemote  bool // set once the remote static key is known (always true after handshake)

	reasm   Reassembler
	pending *pendingRequests

	closeOnce sync.Once
}

// NewInboundConnection builds a PeerConnection for a TCP connection the
// listener just accepted. The remote's static key is not known until the
// handshake completes.
func NewInboundConnection(conn net.Conn, cfg ConnectionConfig) *PeerConnection {
	return &PeerConnection{
		cfg:     cfg,
		conn:    conn,
		id:      uuid.New(),
		state:   StateAccepting,
		pending: newPendingRequests(),
	}
}

// NewOutboundConnection builds a PeerConnection for a socket the
// PeerRegistry just dialed to a known remote public key.
func NewOutboundConnection(conn net.Conn, cfg ConnectionConfig, remote [32]byte) *PeerConnection {
	return &PeerConnection{
		cfg:          cfg,
		conn:         conn,
		id:           uuid.New(),
		state:        StateDialing,
		remotePubKey: remote,
		knownRemote:  true,
		pending:      newPendingRequests(),
	}
}

func (pc *PeerConnection) log() *logrus.Entry {
	return pc.cfg.logger().WithField("conn_id", pc.id).WithField("state", pc.State().String())
}

func (pc *PeerConnection) State() ConnState {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	return pc.state
}

func (pc *PeerConnection) setState(s ConnState) {
	pc.stateMu.Lock()
	pc.state = s
	pc.stateMu.Unlock()
}

// WriteDatagram satisfies DatagramWriter so Framing.SendMessage can drive
// this connection's Noise session directly.
func (pc *PeerConnection) WriteDatagram(b []byte) error {
	return pc.sess.WriteDatagram(b)
}

func (pc *PeerConnection) sendEnvelope(t MsgType, payload []byte) error {
	return SendMessage(pc, EncodeEnvelope(t, payload))
}

// RunOutbound drives the dialer-mode lifecycle: Handshaking -> Connected
// (send ping immediately, no first-ping gate) -> dispatch loop.
func (pc *PeerConnection) RunOutbound() {
	pc.setState(StateHandshaking)
	sess, err := DialNoiseXK(pc.conn, pc.cfg.LocalKeypair, pc.remotePubKey, pc.cfg.Network, pc.cfg.HandshakeTimeout)
	if err != nil {
		pc.log().WithError(err).Warn("outbound handshake failed")
		pc.closeLocked()
		return
	}
	pc.sess = sess
	pc.setState(StateConnected)

	if err := pc.sendInitialPing(); err != nil {
		pc.log().WithError(err).Error("send initial ping")
		pc.closeLocked()
		return
	}

	pc.dispatchLoop()
}

// RunInbound drives the accept-mode lifecycle: Handshaking -> Connected
// (arm the 30s first-ping gate) -> dispatch loop.
func (pc *PeerConnection) RunInbound() {
	pc.setState(StateHandshaking)
	sess, err := AcceptNoiseXK(pc.conn, pc.cfg.LocalKeypair, pc.cfg.Network, pc.cfg.HandshakeTimeout)
	if err != nil {
		pc.log().WithError(err).Warn("inbound handshake failed")
		pc.closeLocked()
		return
	}
	pc.sess = sess
	pc.remotePubKey = sess.RemoteStatic()
	pc.knownRemote = true
	pc.setState(StateConnected)

	gate := time.AfterFunc(pc.cfg.FirstPingTimeout, pc.checkFirstPingGate)
	defer gate.Stop()

	pc.dispatchLoop()
}

func (pc *PeerConnection) checkFirstPingGate() {
	if pc.State() != StateConnected {
		return
	}
	if pc.cfg.Registry != nil && pc.cfg.Registry.HavePeer(pc.remotePubKey) {
		return
	}
	pc.log().WithError(ErrFirstPingTimeout).Warn("closing connection: no ping before first-ping deadline")
	pc.closeLocked()
}

func (pc *PeerConnection) sendInitialPing() error {
	ping, err := NewOutboundPing(pc.cfg.ListenPort, pc.cfg.Network, pc.initialPeerSample())
	if err != nil {
		return err
	}
	payload, err := EncodePing(ping)
	if err != nil {
		return err
	}
	pc.pending.add(MsgPing)
	return pc.sendEnvelope(MsgPing, payload)
}

func (pc *PeerConnection) initialPeerSample() []PeerAddr {
	if pc.cfg.Registry == nil {
		return nil
	}
	snap := pc.cfg.Registry.Snapshot()
	out := make([]PeerAddr, 0, len(snap))
	for _, p := range snap {
		out = append(out, p.Addr)
	}
	return out
}

// dispatchLoop is the connection's single owning goroutine: it reads
// datagrams, reassembles fragments, and dispatches complete messages in
// wire order until the socket closes or a fatal error occurs.
func (pc *PeerConnection) dispatchLoop() {
	defer pc.closeLocked()
	for {
		datagram, err := pc.sess.ReadDatagram()
		if err != nil {
			pc.log().WithError(err).Debug("connection read ended")
			return
		}
		msg, err := pc.reasm.Feed(datagram)
		if err != nil {
			pc.recordError(err)
			pc.log().WithError(err).Warn("framing error; closing connection")
			return
		}
		if msg == nil {
			continue // mid-reassembly
		}
		if err := pc.handleMessage(msg); err != nil {
			pc.recordError(err)
			pc.log().WithError(err).Warn("fatal decode error; closing connection")
			return
		}
	}
}

func (pc *PeerConnection) handleMessage(raw []byte) error {
	msgType, payload, err := DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if pc.cfg.Stats != nil {
		pc.cfg.Stats.recordDispatch(msgType)
	}
	if msgType == msgReserved9 {
		return nil
	}

	switch msgType {
	case MsgPing:
		ping, err := DecodePing(payload)
		if err != nil {
			return fmt.Errorf("decode ping: %w", err)
		}
		pc.handlePing(ping)

	case MsgP2PResponse:
		pc.handleP2PResponse(payload)

	case MsgKeyBlock:
		kb, err := DecodeKeyBlockMessage(payload)
		if err != nil {
			return fmt.Errorf("decode key_block: %w", err)
		}
		if pc.cfg.OnKeyBlock != nil {
			pc.cfg.OnKeyBlock(kb.Header.Identify())
		}

	case MsgMicroBlock:
		pc.handleMicroBlock(payload)

	default:
		pc.log().WithField("msg_type", msgType).Debug("ignoring unexpected message type")
	}
	return nil
}

// handlePing is the direct-ping steady-state handler: it processes the
// body and always replies with our own ping, per §4.4.
func (pc *PeerConnection) handlePing(p *Ping) {
	pc.processPingBody(p)

	local, err := NewOutboundPing(pc.cfg.ListenPort, pc.cfg.Network, pc.initialPeerSample())
	if err != nil {
		pc.log().WithError(err).Error("build reply ping")
		return
	}
	localBytes, err := EncodePing(local)
	if err != nil {
		pc.log().WithError(err).Error("encode reply ping")
		return
	}
	resp := &P2PResponse{VersionTag: ProtocolVersion, Result: true, InnerType: MsgPing, Object: localBytes}
	respBytes, err := EncodeP2PResponse(resp)
	if err != nil {
		pc.log().WithError(err).Error("encode p2p_response")
		return
	}
	if err := pc.sendEnvelope(MsgP2PResponse, respBytes); err != nil {
		pc.log().WithError(err).Error("send p2p_response")
	}
}

// processPingBody applies the genesis-hash cross-check, peer registration,
// and peer-discovery loop common to both a direct ping and an echoed ping
// arriving inside a p2p_response. It never itself sends a reply.
func (pc *PeerConnection) processPingBody(p *Ping) {
	localHash, err := GenesisHash(pc.cfg.Network)
	if err != nil {
		pc.log().WithError(err).Error("local network misconfigured")
		return
	}
	if p.GenesisHash != localHash {
		pc.log().Warn("ping carries a different network's genesis hash; ignoring its body")
		return
	}

	if pc.cfg.Registry != nil {
		pc.cfg.Registry.AddPeer(&Peer{
			Addr: PeerAddr{PubKey: pc.remotePubKey, Host: remoteIP(pc.conn), Port: uint16(p.Port)},
			Conn: pc,
		})
		var self [32]byte
		copy(self[:], pc.cfg.LocalKeypair.Public)
		for _, addr := range p.Peers {
			if addr.PubKey == self || pc.cfg.Registry.HavePeer(addr.PubKey) {
				continue
			}
			if err := pc.cfg.Registry.TryConnect(addr); err != nil {
				pc.log().WithError(err).WithField("peer", addr).Debug("could not connect to advertised peer")
			}
		}
	}
}

func (pc *PeerConnection) handleP2PResponse(payload []byte) {
	resp, err := DecodeP2PResponse(payload)
	if err != nil {
		pc.log().WithError(err).Warn("decode p2p_response")
		return
	}
	if !pc.pending.take(resp.InnerType) {
		pc.log().WithField("inner_type", resp.InnerType).Debug("unsolicited or duplicate p2p_response; dropping")
		return
	}
	if !resp.Result {
		pc.log().WithField("reason", resp.Reason).Info("peer responded negatively")
		return
	}

	switch resp.InnerType {
	case MsgPing:
		inner, err := DecodePing(resp.Object)
		if err != nil {
			pc.log().WithError(err).Error("decode ping inside p2p_response")
			return
		}
		pc.processPingBody(inner)

	case MsgBlockTxs:
		bt, err := DecodeBlockTxs(resp.Object)
		if err != nil {
			pc.log().WithError(err).Error("decode block_txs inside p2p_response")
			return
		}
		if pc.cfg.OnTxs != nil {
			pc.cfg.OnTxs(bt.Txs)
		}

	default:
		pc.log().WithField("inner_type", resp.InnerType).Debug("unhandled p2p_response inner_type")
	}
}

func (pc *PeerConnection) handleMicroBlock(payload []byte) {
	msg, err := DecodeMicroBlockMessage(payload)
	if err != nil {
		pc.log().WithError(err).Warn("decode micro_block")
		return
	}
	if len(msg.TxHashes) == 0 {
		return
	}
	req := &GetBlockTxs{HeaderHash: msg.HeaderHash, TxHashes: msg.TxHashes}
	body, err := EncodeGetBlockTxs(req)
	if err != nil {
		pc.log().WithError(err).Error("encode get_block_txs")
		return
	}
	pc.pending.add(MsgBlockTxs)
	if err := pc.sendEnvelope(MsgGetBlockTxs, body); err != nil {
		pc.log().WithError(err).Error("send get_block_txs")
	}
}

// closeLocked transitions to Closed, releases the socket, and removes the
// registry entry. Safe to call more than once; only the first call acts.
func (pc *PeerConnection) closeLocked() {
	pc.closeOnce.Do(func() {
		pc.setState(StateClosed)
		if pc.sess != nil {
			pc.sess.Close()
		} else {
			pc.conn.Close()
		}
		if pc.cfg.Registry != nil && pc.knownRemote {
			pc.cfg.Registry.RemovePeerIfCurrent(pc.remotePubKey, pc)
		}
	})
}

func (pc *PeerConnection) recordError(err error) {
	if pc.cfg.Stats != nil {
		pc.cfg.Stats.recordError(err)
	}
}

func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	return nil
}

var _ DatagramWriter = (*PeerConnection)(nil)
