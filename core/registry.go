package core

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// PeerAddr is the host/port/pubkey triple exchanged in ping payloads and
// held by the registry for peers we know about but may not currently have a
// live connection to.
type PeerAddr struct {
	PubKey [32]byte
	Host   net.IP
	Port   uint16
}

func (p PeerAddr) String() string {
	return fmt.Sprintf("%s:%d/%x", p.Host, p.Port, p.PubKey[:4])
}

// EncodePeerList renders a peer list as the nested RLP list the ping codec
// embeds: each entry is itself a 3-item list of [pubkey, host, port].
func EncodePeerList(peers []PeerAddr) Item {
	items := make([]Item, 0, len(peers))
	for _, p := range peers {
		items = append(items, []Item{
			append([]byte(nil), p.PubKey[:]...),
			append([]byte(nil), p.Host.To4()...),
			minimalBigEndian(uint64(p.Port)),
		})
	}
	return items
}

// DecodePeerList is rlp_decode_peers: the canonical decoder for peer lists
// embedded in ping payloads.
func DecodePeerList(item Item) ([]PeerAddr, error) {
	entries, err := asList(item)
	if err != nil {
		return nil, fmt.Errorf("peer list: %w", err)
	}
	out := make([]PeerAddr, 0, len(entries))
	for i, e := range entries {
		fields, err := asList(e)
		if err != nil {
			return nil, fmt.Errorf("peer list: entry %d: %w", i, err)
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("peer list: entry %d has %d fields, want 3", i, len(fields))
		}
		pubkey, err := fixed32(fields[0])
		if err != nil {
			return nil, fmt.Errorf("peer list: entry %d pubkey: %w", i, err)
		}
		hostBytes, err := asBytes(fields[1])
		if err != nil {
			return nil, fmt.Errorf("peer list: entry %d host: %w", i, err)
		}
		port, err := asUint64(fields[2])
		if err != nil {
			return nil, fmt.Errorf("peer list: entry %d port: %w", i, err)
		}
		out = append(out, PeerAddr{
			PubKey: pubkey,
			Host:   net.IP(append([]byte(nil), hostBytes...)),
			Port:   uint16(port),
		})
	}
	return out, nil
}

// Peer is a process-wide known peer. It may or may not currently have a
// live connection attached; the registry keeps it around as a weak handle
// for re-dial decisions.
type Peer struct {
	Addr PeerAddr
	Conn *PeerConnection
}

// Dialer abstracts outbound TCP dialing so PeerRegistry.TryConnect can be
// exercised without a real network in tests.
type Dialer interface {
	Dial(addr PeerAddr) (net.Conn, error)
}

// PeerRegistry is the process-wide, mutex-guarded set of known peers keyed
// by public key. It is the single source of truth for "already connected?"
// decisions and owns outbound dial attempts.
type PeerRegistry struct {
	mu    sync.Mutex
	peers map[[32]byte]*Peer

	dialer Dialer
	log    *logrus.Logger

	// connectFunc builds a PeerConnection for an outbound dial; indirected
	// so registry tests don't need a real handshake.
	connectFunc func(reg *PeerRegistry, conn net.Conn, remote PeerAddr) *PeerConnection
}

// NewPeerRegistry builds an empty registry. dialer and log may be nil; log
// defaults to logrus.New(), and a nil dialer disables TryConnect (it
// returns ErrConnectionClosed). connectFunc builds the PeerConnection for a
// freshly dialed socket; the Listener supplies one bound to its local
// identity and network selector.
func NewPeerRegistry(dialer Dialer, log *logrus.Logger, connectFunc func(reg *PeerRegistry, conn net.Conn, remote PeerAddr) *PeerConnection) *PeerRegistry {
	if log == nil {
		log = logrus.New()
	}
	return &PeerRegistry{
		peers:       make(map[[32]byte]*Peer),
		dialer:      dialer,
		log:         log,
		connectFunc: connectFunc,
	}
}

// HavePeer reports whether pubkey is currently registered.
func (r *PeerRegistry) HavePeer(pubkey [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[pubkey]
	return ok
}

// AddPeer is an idempotent insert. If a live connection is already
// registered for this pubkey, the existing entry (and its earlier-
// established connection) is kept, per the "prefer the earlier session"
// collision rule.
func (r *PeerRegistry) AddPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[p.Addr.PubKey]; ok && existing.Conn != nil {
		return
	}
	r.peers[p.Addr.PubKey] = p
}

// RemovePeer deletes pubkey's registry entry unconditionally, for tests and
// callers that don't hold a specific *PeerConnection to compare against.
func (r *PeerRegistry) RemovePeer(pubkey [32]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, pubkey)
}

// RemovePeerIfCurrent deletes pubkey's registry entry only if it is still
// attached to conn. A connection that lost the AddPeer collision (because an
// earlier session for the same pubkey was already registered) must not be
// able to delete that earlier, still-live session's entry when it later
// closes on its own.
func (r *PeerRegistry) RemovePeerIfCurrent(pubkey [32]byte, conn *PeerConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[pubkey]; ok && existing.Conn == conn {
		delete(r.peers, pubkey)
	}
}

// Snapshot returns a point-in-time copy of the registry's peers.
func (r *PeerRegistry) Snapshot() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	return out
}

// TryConnect spawns an outbound PeerConnection for addr unless we already
// have one. It is a no-op (not an error) when already connected.
func (r *PeerRegistry) TryConnect(addr PeerAddr) error {
	if r.HavePeer(addr.PubKey) {
		return nil
	}
	if r.dialer == nil || r.connectFunc == nil {
		return fmt.Errorf("registry: try_connect %s: %w", addr, ErrConnectionClosed)
	}
	conn, err := r.dialer.Dial(addr)
	if err != nil {
		return fmt.Errorf("registry: dial %s: %w", addr, err)
	}
	pc := r.connectFunc(r, conn, addr)
	r.log.WithField("peer", addr).Info("dialing outbound peer connection")
	go pc.RunOutbound()
	return nil
}
