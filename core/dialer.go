package core

import (
	"fmt"
	"net"
	"time"
)

// TCPDialer is the default outbound Dialer: a plain TCP connect with a
// bounded timeout, adapted from this codebase's connection-pool dialer.
type TCPDialer struct {
	// Timeout bounds the TCP connect itself; it is independent of the
	// Noise handshake timeout applied once the socket is open.
	Timeout time.Duration
}

// NewTCPDialer returns a TCPDialer with a sane default timeout when d <= 0.
func NewTCPDialer(d time.Duration) *TCPDialer {
	if d <= 0 {
		d = 5 * time.Second
	}
	return &TCPDialer{Timeout: d}
}

// Dial opens a TCP connection to addr's host:port.
func (d *TCPDialer) Dial(addr PeerAddr) (net.Conn, error) {
	target := net.JoinHostPort(addr.Host.String(), fmt.Sprintf("%d", addr.Port))
	conn, err := net.DialTimeout("tcp", target, d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("dialer: connect %s: %w", target, err)
	}
	return conn, nil
}

var _ Dialer = (*TCPDialer)(nil)
