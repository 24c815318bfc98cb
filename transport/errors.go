package transport

import "errors"

// Socket-level error kinds, matching spec §6's contract. These are the
// only errors the public Endpoint API returns; everything else (protocol
// violations, peer resets, timer exhaustion) is translated into one of
// these before reaching the application, per spec §7's error taxonomy.
var (
	ErrNotConnected      = errors.New("transport: not connected")
	ErrAlreadyConnected  = errors.New("transport: already connected")
	ErrConnectionReset   = errors.New("transport: connection reset")
	ErrConnectionRefused = errors.New("transport: connection refused")
	ErrConnectionClosing = errors.New("transport: connection closing")
	ErrTimeout           = errors.New("transport: timeout")
	ErrWouldBlock        = errors.New("transport: would block")
	ErrSocketClosed      = errors.New("transport: socket closed")
)
