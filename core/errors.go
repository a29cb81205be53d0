package core

import "errors"

// Sentinel errors for the conditions §7 of the protocol design calls out by
// name. Wrapped with context via fmt.Errorf("%w") at each call site so
// callers can still errors.Is against these.
var (
	ErrUnknownNetwork      = errors.New("unknown network")
	ErrHandshakeTimeout    = errors.New("noise handshake timed out")
	ErrHandshakeFailed     = errors.New("noise handshake failed")
	ErrFirstPingTimeout    = errors.New("peer did not ping before the first-ping deadline")
	ErrFragmentOutOfOrder  = errors.New("fragment received out of order")
	ErrFragmentSizeMismatch = errors.New("fragment total count changed mid-stream")
	ErrConnectionClosed    = errors.New("peer connection is closed")
	ErrAlreadyConnected    = errors.New("peer already has a live connection")
	ErrUnexpectedMsgType   = errors.New("unexpected message type")
)
