package core

import (
	"net"
	"testing"
	"time"
)

func TestTCPDialerConnects(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	tcpAddr := ln.Addr().(*net.TCPAddr)
	addr := PeerAddr{Host: tcpAddr.IP.To4(), Port: uint16(tcpAddr.Port)}
	d := NewTCPDialer(time.Second)
	conn, err := d.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestTCPDialerFailsOnClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	addr := PeerAddr{Host: tcpAddr.IP.To4(), Port: uint16(tcpAddr.Port)}
	d := NewTCPDialer(200 * time.Millisecond)
	if _, err := d.Dial(addr); err == nil {
		t.Fatalf("expected dial error against a closed port")
	}
}
