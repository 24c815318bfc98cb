// Package transport implements the reliable, connection-oriented byte-stream
// protocol that rides on top of the link layer: an eleven-state handshake and
// teardown machine, retransmission, out-of-order reassembly, and wrap-around
// sequence arithmetic, all sized for ≤242-byte Segment payloads.
package transport

import "time"

// Default operating parameters, per spec §6. Embedders that need a
// fast-forward clock for tests construct a [Config] with Now overridden
// instead of changing these constants.
const (
	// DefaultRetransmissionTimeout is how long the retransmission timer
	// waits before resending the head of the retransmission queue.
	DefaultRetransmissionTimeout = 1500 * time.Millisecond
	// DefaultTimeWaitTimeout is the quiescence period after active close
	// before the TCB is deleted. A classic TCP stack would use 2×MSL;
	// this profile uses a much shorter fixed value suited to a
	// low-bandwidth radio link with few concurrent connections.
	DefaultTimeWaitTimeout = 1000 * time.Millisecond
	// MaxRetransmissionAttempts bounds the retransmission-timer expiries
	// counted for the same sequence number at the head of the
	// retransmission queue: the expiry that brings the count to this value
	// resets the connection instead of resending, so the segment is resent
	// at most MaxRetransmissionAttempts-1 times.
	MaxRetransmissionAttempts = 25
	// MaxConcurrentSockets is the largest number of socket-ids a single
	// SocketIDPool will hand out at once: every value the 4-bit wire
	// socket-id can represent.
	MaxConcurrentSockets = 16
	// DefaultWindow is the initial send/receive window, equal to the
	// maximum Segment payload: there is no benefit to negotiating a
	// larger window since a Segment can never carry more than this much
	// data in one frame and windows larger than MaxPayload never
	// change behavior with pipelining disabled.
	DefaultWindow = MaxSegmentPayload
	// RetransmissionQueueCapacity is the fixed size of the per-TCB
	// retransmission queue; dropping the oldest unacked segment on
	// overflow bounds memory on a constrained sensor.
	RetransmissionQueueCapacity = 20
	// streamBufferCapacity sizes the ring buffers backing send_buffer
	// and reassembled_data. It is independent of the window: an
	// application may queue more bytes for send than the window allows
	// in flight at once.
	streamBufferCapacity = 4096
)

// Config holds the tunable parameters of a transport endpoint. NewEndpoint
// replaces every zero field with its default, so a zero Config is usable
// there; [DefaultConfig] returns a fully populated Config.
type Config struct {
	RetransmissionTimeout     time.Duration
	TimeWaitTimeout           time.Duration
	MaxRetransmissionAttempts int
	InitialWindow             uint16
	// Now returns the current time; overridable for deterministic
	// tests that need to fast-forward timers without sleeping.
	Now func() time.Time
}

// DefaultConfig returns a Config populated with spec §6's defaults.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.RetransmissionTimeout == 0 {
		c.RetransmissionTimeout = DefaultRetransmissionTimeout
	}
	if c.TimeWaitTimeout == 0 {
		c.TimeWaitTimeout = DefaultTimeWaitTimeout
	}
	if c.MaxRetransmissionAttempts == 0 {
		c.MaxRetransmissionAttempts = MaxRetransmissionAttempts
	}
	if c.InitialWindow == 0 {
		c.InitialWindow = DefaultWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}
