package core

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// Config aggregates everything the Listener needs at startup: the TCP
// port, local Noise identity, network selector, and initial peer list.
type Config struct {
	Port             int
	Network          Network
	LocalKeypair     noise.DHKey
	InitialPeers     []PeerAddr
	HandshakeTimeout time.Duration
	FirstPingTimeout time.Duration
	DialTimeout      time.Duration
	Logger           *logrus.Logger
	OnKeyBlock       KeyBlockHook
	OnTxs            TxsHook

	// AdminAddr, if set, binds an HTTP status/peers surface (see admin.go)
	// alongside the P2P listener. Empty disables it.
	AdminAddr string
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.FirstPingTimeout <= 0 {
		c.FirstPingTimeout = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c
}

// ListenerStats accumulates the in-process introspection counters exposed
// by Listener.Stats: messages dispatched per type and the last error seen
// across any connection.
type ListenerStats struct {
	mu         sync.Mutex
	dispatched map[MsgType]uint64
	lastError  string
}

func newListenerStats() *ListenerStats {
	return &ListenerStats{dispatched: make(map[MsgType]uint64)}
}

func (s *ListenerStats) recordDispatch(t MsgType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched[t]++
}

func (s *ListenerStats) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = err.Error()
}

// StatsSnapshot is the point-in-time view Listener.Stats returns.
type StatsSnapshot struct {
	PeerCount  int
	Dispatched map[string]uint64
	LastError  string
}

// Listener owns the TCP accept loop, the PeerRegistry, and the startup
// sequence: bind the configured port, dial the configured initial peers,
// and hand every inbound connection to a new PeerConnection. It takes an
// already-built Config; it does not load configuration itself.
type Listener struct {
	cfg      Config
	registry *PeerRegistry
	stats    *ListenerStats

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewListener builds a Listener ready to Start. It does not bind the port
// or dial anything until Start is called.
func NewListener(cfg Config) *Listener {
	cfg = cfg.withDefaults()
	l := &Listener{cfg: cfg, stats: newListenerStats()}
	dialer := NewTCPDialer(cfg.DialTimeout)
	l.registry = NewPeerRegistry(dialer, cfg.Logger, l.buildOutboundConnection)
	return l
}

// Registry exposes the listener's PeerRegistry, mainly for tests and for
// CLI status reporting.
func (l *Listener) Registry() *PeerRegistry { return l.registry }

func (l *Listener) connectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Network:          l.cfg.Network,
		LocalKeypair:     l.cfg.LocalKeypair,
		ListenPort:       uint64(l.cfg.Port),
		HandshakeTimeout: l.cfg.HandshakeTimeout,
		FirstPingTimeout: l.cfg.FirstPingTimeout,
		Registry:         l.registry,
		Logger:           l.cfg.Logger,
		OnKeyBlock:       l.cfg.OnKeyBlock,
		OnTxs:            l.cfg.OnTxs,
		Stats:            l.stats,
	}
}

func (l *Listener) buildOutboundConnection(reg *PeerRegistry, conn net.Conn, remote PeerAddr) *PeerConnection {
	return NewOutboundConnection(conn, l.connectionConfig(), remote.PubKey)
}

// Start binds the configured port, dials every initial peer, and accepts
// inbound connections until ctx is cancelled. It blocks; callers typically
// run it in its own goroutine.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.cfg.Port))
	if err != nil {
		return fmt.Errorf("listener: bind port %d: %w", l.cfg.Port, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	for _, addr := range l.cfg.InitialPeers {
		if err := l.registry.TryConnect(addr); err != nil {
			l.cfg.Logger.WithError(err).WithField("peer", addr).Warn("initial peer dial failed")
		}
	}

	var adminSrv *http.Server
	if l.cfg.AdminAddr != "" {
		adminSrv = &http.Server{Addr: l.cfg.AdminAddr, Handler: l.adminHandler()}
		go func() {
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.cfg.Logger.WithError(err).Warn("admin http server stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		if adminSrv != nil {
			adminSrv.Close()
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return nil
			default:
				return fmt.Errorf("listener: accept: %w", err)
			}
		}
		pc := NewInboundConnection(conn, l.connectionConfig())
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			pc.RunInbound()
		}()
	}
}

// Stats returns a point-in-time snapshot for the CLI status command.
func (l *Listener) Stats() StatsSnapshot {
	l.stats.mu.Lock()
	dispatched := make(map[string]uint64, len(l.stats.dispatched))
	for t, n := range l.stats.dispatched {
		dispatched[t.String()] = n
	}
	lastError := l.stats.lastError
	l.stats.mu.Unlock()

	return StatsSnapshot{
		PeerCount:  len(l.registry.Snapshot()),
		Dispatched: dispatched,
		LastError:  lastError,
	}
}
