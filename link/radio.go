package link

import "errors"

// ErrBusyTimeout is the error kind a Radio returns when the modem does not
// leave its busy state within the driver's internal deadline (spec §7).
// The data-link recovers locally by reinitializing the modem; this error
// never propagates past DataLink.Run to the transport layer.
var ErrBusyTimeout = errors.New("link: radio BUSY timeout")

// Radio is the external collaborator (spec §1, out of scope for this
// module) that drives the physical LoRa modem. It is intentionally
// minimal: half-duplex send/receive plus standby control for deep-sleep,
// matching spec §2 component 5's contract of
// send/start_recv/poll_recv/standby/is_idle.
type Radio interface {
	// Send transmits frame, blocking until the modem confirms time-on-air
	// is complete (or returns ErrBusyTimeout).
	Send(frame []byte) error
	// StartRecv places the modem into continuous-receive mode, or
	// (re-)initializes it after a BUSY recovery.
	StartRecv() error
	// PollRecv copies a received frame into buf and returns its length,
	// or returns n=0, err=nil if nothing has arrived within the driver's
	// short internal poll window (~400ms). Returns ErrBusyTimeout if the
	// modem stalled.
	PollRecv(buf []byte) (n int, err error)
	// Standby parks the modem in its lowest-power idle mode, used before
	// deep sleep.
	Standby() error
	// IsIdle reports whether the modem is neither transmitting nor
	// receiving right now.
	IsIdle() bool
}
