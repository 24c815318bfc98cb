package transport

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lora-net/lnet/internal"
	"github.com/lora-net/lnet/link"
	"github.com/lora-net/lnet/seq"
)

// postAction is returned by the per-state segment handlers so that calls
// into the data-link (which acquire the data-link's own lock) happen after
// Endpoint's mutex is released, avoiding any lock-ordering hazard between
// the two components linked only by the weak index described in spec §9.
type postAction uint8

const (
	actionNone postAction = iota
	actionRegisterConnected
	actionRegisterListening
	actionRemoveSocket
)

// sendBlocking is the sentinel timeout meaning "block forever", mirroring
// a BSD socket's settimeout(None).
const sendBlocking time.Duration = -1

// recvWaitMax caps the sleep between polls of a blocked Recv. A segment
// needs tens of milliseconds of airtime, so a few milliseconds of wait
// granularity costs nothing in latency.
const recvWaitMax = 4 * time.Millisecond

// Endpoint is one transport connection: the TCB plus the socket-like
// contract of spec §4.6 (listen/connect/send/recv/close/set_timeout/
// set_blocking/get_peer). Exactly one Endpoint owns a given TCB. Its
// state-machine fields are guarded by mu: the networking worker changes them
// through Run, and Listen, Connect and Close change them on the calling
// goroutine. The send/reassembly byte streams are guarded by bufMu.
type Endpoint struct {
	mu       sync.Mutex
	tcb      tcb
	stateCh  chan struct{} // closed and replaced on every state transition
	gateway  bool

	bufMu sync.Mutex

	dl   *link.DataLink
	pool *SocketIDPool
	cfg  Config

	incoming *link.Queue[[]byte]

	closed     atomic.Bool
	resetErr   atomic.Pointer[error]
	timeout    atomic.Int64 // time.Duration, sendBlocking means block forever
	nonBlock   atomic.Bool

	resetCause string // "hard" (RST seen/sent) or "soft" (timeout close); logging only.

	logger
}

// NewEndpoint constructs an unconnected (CLOSED) Endpoint bound to dl, a
// socket-id acquired from pool, and cfg's timing parameters. gateway must
// be true for endpoints created on the gateway; only Listen reads it, to
// log an error when called on a non-gateway endpoint. The state machine
// itself is symmetric.
func NewEndpoint(dl *link.DataLink, pool *SocketIDPool, cfg Config, gateway bool, log *slog.Logger) (*Endpoint, error) {
	cfg.applyDefaults()
	id, ok := pool.acquire()
	if !ok {
		return nil, ErrConnectionRefused
	}
	ep := &Endpoint{
		dl:      dl,
		pool:    pool,
		cfg:     cfg,
		gateway: gateway,
	}
	ep.tcb.socketID = id
	ep.tcb.initBuffers()
	ep.tcb.logger = logger{log: log}
	ep.logger = logger{log: log}
	ep.incoming = link.NewQueue[[]byte](RetransmissionQueueCapacity, "endpoint-incoming", log)
	ep.timeout.Store(int64(sendBlocking))
	return ep, nil
}

// SocketID returns the endpoint's socket-id. It implements
// link.TransportEndpoint.
func (ep *Endpoint) SocketID() uint8 { return ep.tcb.socketID }

// DeliverFrame is called by the data-link on its goroutine to hand a
// decoded Segment's raw bytes to this endpoint; it implements
// link.TransportEndpoint. Processing itself happens later, on the
// networking worker's call to Run, keeping the data-link non-blocking.
func (ep *Endpoint) DeliverFrame(segmentBytes []byte) {
	cp := make([]byte, len(segmentBytes))
	copy(cp, segmentBytes)
	ep.incoming.Put(cp)
}

// State returns the endpoint's current connection state.
func (ep *Endpoint) State() State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.tcb.state
}

// IsListening reports whether the endpoint is in LISTEN. It is not part of
// link.TransportEndpoint: the data-link tracks listening endpoints through
// RegisterListeningSocket.
func (ep *Endpoint) IsListening() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.tcb.state == StateListen
}

func (ep *Endpoint) setState(s State) {
	ep.tcb.state = s
	if ep.stateCh != nil {
		close(ep.stateCh)
	}
	ep.stateCh = make(chan struct{})
	if s == StateClosed {
		ep.closed.Store(true)
	} else {
		ep.closed.Store(false)
	}
}

// ---- Public socket-like API (application thread) ----

// Listen moves the endpoint CLOSED->LISTEN and registers it with the
// data-link so inbound SYNs can be dispatched to it. It blocks until the
// state leaves LISTEN, per spec §4.6. Gateway only.
func (ep *Endpoint) Listen() error {
	if !ep.gateway {
		ep.logerr("transport: listen called on non-gateway endpoint")
	}
	ep.mu.Lock()
	if ep.tcb.state != StateClosed {
		ep.mu.Unlock()
		return ErrAlreadyConnected
	}
	ep.tcb.activeOpen = false
	ep.tcb.snd.ISS = randomISS()
	ep.tcb.snd.UNA, ep.tcb.snd.NXT = ep.tcb.snd.ISS, ep.tcb.snd.ISS
	ep.tcb.snd.WND = ep.cfg.InitialWindow
	ep.tcb.rcv.WND = ep.cfg.InitialWindow
	ep.setState(StateListen)
	ch := ep.stateCh
	ep.mu.Unlock()

	ep.dl.RegisterListeningSocket(ep)

	<-ch // blocks until a SYN promotes us out of LISTEN.
	return nil
}

// Connect actively opens a connection: CLOSED->SYN_SENT, sending a SYN
// whose payload carries remoteIP/remotePort so the passive peer learns
// what TCP endpoint the application intended to reach (spec §4.6, §6).
func (ep *Endpoint) Connect(remoteIP [4]byte, remotePort uint16) error {
	ep.mu.Lock()
	if ep.tcb.state != StateClosed {
		ep.mu.Unlock()
		return ErrAlreadyConnected
	}
	ep.tcb.activeOpen = true
	ep.tcb.remoteIP = remoteIP
	ep.tcb.remotePort = remotePort
	ep.tcb.snd.ISS = randomISS()
	ep.tcb.snd.UNA = ep.tcb.snd.ISS
	ep.tcb.snd.NXT = ep.tcb.snd.ISS
	ep.tcb.snd.WND = ep.cfg.InitialWindow
	ep.tcb.rcv.WND = ep.cfg.InitialWindow
	ep.setState(StateSynSent)

	payload := make([]byte, 6)
	copy(payload[0:4], remoteIP[:])
	binary.BigEndian.PutUint16(payload[4:6], remotePort)
	syn := Segment{SocketID: ep.tcb.socketID, Flags: FlagSYN, Seq: ep.tcb.snd.ISS, Payload: payload}
	ep.queueForRetransmit(syn, ep.cfg.Now())
	ep.transmitLocked(syn)
	// The SYN's payload occupies sequence space along with the SYN's own
	// sequence point, so the peer's ack lands at iss+len+1.
	ep.tcb.snd.NXT = seq.Add(ep.tcb.snd.ISS, syn.Len())
	ep.mu.Unlock()

	ep.dl.RegisterConnectedSocket(ep)
	return nil
}

// Send appends b to send_buffer; the worker segmentizes it on its next
// Run in ESTABLISHED/CLOSE_WAIT/FIN_WAIT_1. It returns the number of bytes
// accepted, which may be less than len(b) if send_buffer is full.
func (ep *Endpoint) Send(b []byte) (int, error) {
	if err := ep.checkReset(); err != nil {
		return 0, err
	}
	ep.mu.Lock()
	state := ep.tcb.state
	ep.mu.Unlock()
	switch {
	case state == StateClosed:
		return 0, ErrNotConnected
	case state.IsClosing():
		return 0, ErrConnectionClosing
	}

	ep.bufMu.Lock()
	defer ep.bufMu.Unlock()
	return ep.tcb.sendBuf.Write(b), nil
}

// Recv blocks (honoring SetTimeout/SetBlocking) until at least one byte of
// reassembled_data is ready, then copies up to len(buf) bytes into buf.
func (ep *Endpoint) Recv(buf []byte) (int, error) {
	if err := ep.checkReset(); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	ep.mu.Lock()
	initialClosed := ep.tcb.state == StateClosed
	ep.mu.Unlock()
	if initialClosed {
		return 0, ErrSocketClosed
	}

	deadline, hasDeadline := ep.recvDeadline()
	nonBlocking := ep.nonBlock.Load()

	wait := internal.NewWaiter(recvWaitMax)
	for {
		ep.bufMu.Lock()
		if n := ep.tcb.reassembled.Read(buf); n > 0 {
			ep.bufMu.Unlock()
			return n, nil
		}
		ep.bufMu.Unlock()

		if err := ep.checkReset(); err != nil {
			return 0, err
		}
		if ep.closed.Load() {
			return 0, ErrSocketClosed
		}
		if nonBlocking {
			return 0, ErrWouldBlock
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
		wait.Idle()
	}
}

func (ep *Endpoint) checkReset() error {
	if p := ep.resetErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (ep *Endpoint) recvDeadline() (time.Time, bool) {
	d := time.Duration(ep.timeout.Load())
	if d < 0 {
		return time.Time{}, false
	}
	if d == 0 {
		return time.Time{}, false // non-blocking handled separately
	}
	return time.Now().Add(d), true
}

// SetTimeout sets the Recv deadline. d == 0 makes the socket fully
// non-blocking (WouldBlock if no data ready); a negative d blocks forever;
// a positive d is the blocking deadline. Mirrors the original's three-way
// settimeout(None|0|seconds) contract (spec §6, original_source
// LoRaTCP.py).
func (ep *Endpoint) SetTimeout(d time.Duration) {
	ep.nonBlock.Store(d == 0)
	ep.timeout.Store(int64(d))
}

// SetBlocking(true) is equivalent to SetTimeout(block forever);
// SetBlocking(false) is equivalent to SetTimeout(0).
func (ep *Endpoint) SetBlocking(blocking bool) {
	if blocking {
		ep.SetTimeout(sendBlocking)
	} else {
		ep.SetTimeout(0)
	}
}

// GetPeer returns the remote IP/port carried in the SYN exchange: the
// ultimate TCP bridge target the application intended to reach, not a
// LoRa link-layer address (spec §6).
func (ep *Endpoint) GetPeer() ([4]byte, uint16, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.tcb.state == StateClosed {
		return [4]byte{}, 0, ErrNotConnected
	}
	return ep.tcb.remoteIP, ep.tcb.remotePort, nil
}

// Close implements spec §4.6.2's state-dependent FIN emission.
func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	now := ep.cfg.Now()
	switch ep.tcb.state {
	case StateClosed:
		return nil // silently ignore
	case StateListen, StateSynSent:
		ep.deleteLocked()
		ep.mu.Unlock()
		ep.dl.RemoveSocket(ep)
		ep.pool.release(ep.tcb.socketID)
		ep.mu.Lock()
		return nil
	case StateSynRcvd, StateEstablished:
		ep.sendFin(now)
		ep.setState(StateFinWait1)
	case StateCloseWait:
		// Spec §4.6.2 / §9 open question: this deviates from RFC 793
		// (which would go CLOSE_WAIT->LAST_ACK) and is preserved as an
		// intentional idiosyncrasy rather than "fixed".
		ep.sendFin(now)
		ep.setState(StateClosing)
	default:
		ep.info("transport: close on already-closing connection", slog.String("state", ep.tcb.state.String()))
	}
	return nil
}

func (ep *Endpoint) sendFin(now time.Time) {
	fin := Segment{SocketID: ep.tcb.socketID, Flags: FlagFIN | FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT}
	ep.tcb.finSeq = fin.Seq
	ep.queueForRetransmit(fin, now)
	ep.transmitLocked(fin)
	ep.tcb.snd.NXT = seq.Add(ep.tcb.snd.NXT, 1)
}

// ---- transmit / retransmit plumbing ----

func (ep *Endpoint) transmitLocked(seg Segment) {
	var buf [MaxSegmentSize]byte
	n, err := Encode(seg, buf[:])
	if err != nil {
		ep.logerr("transport: encode failed", slog.String("err", err.Error()))
		return
	}
	ep.traceSeg("transport: tx", seg)
	ep.dl.EnqueueForSend(buf[:n])
}

// queueForRetransmit records seg on the retransmission queue so the timer
// can resend it. SYN/FIN/data segments are tracked; pure ACKs and RSTs are
// not (spec §4.6.5/§4.6.6).
func (ep *Endpoint) queueForRetransmit(seg Segment, now time.Time) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	cp := append([]byte(nil), seg.Payload...)
	seg.Payload = cp
	ep.tcb.rtxQueue.Put(rtxEntry{Seg: seg})
	if !ep.tcb.rtxTimer.running {
		ep.tcb.rtxTimer.start(now, ep.cfg.RetransmissionTimeout)
	}
}

func (ep *Endpoint) resetHard(cause string) {
	ep.resetCause = cause
	ep.info("transport: connection reset", slog.String("cause", cause))
	err := error(ErrConnectionReset)
	ep.resetErr.Store(&err)
	ep.deleteLocked()
}

func (ep *Endpoint) deleteLocked() {
	ep.tcb.delete()
	ep.setState(StateClosed)
}

// ---- worker-thread entry point ----

// Run drains every segment delivered since the last call, processes
// pending timers, and segmentizes outstanding send_buffer data. It drives
// every transition caused by inbound segments and timers (Listen, Connect
// and Close make the application-initiated ones) and must only ever be
// called from the single networking worker goroutine (spec §4.7).
func (ep *Endpoint) Run() {
	now := ep.cfg.Now()
	for {
		raw, ok := ep.incoming.Pop()
		if !ok {
			break
		}
		seg, err := Decode(raw)
		if err != nil {
			ep.logerr("transport: decode failed", slog.String("err", err.Error()))
			continue
		}
		ep.processSegment(seg, now)
	}
	ep.segmentize(now)
	ep.checkTimers(now)
}

func (ep *Endpoint) processSegment(seg Segment, now time.Time) {
	ep.mu.Lock()
	var action postAction
	switch ep.tcb.state {
	case StateClosed:
		ep.handleClosed(seg)
	case StateListen:
		action = ep.handleListen(seg, now)
	case StateSynSent:
		action = ep.handleSynSent(seg, now)
	default:
		action = ep.handleGeneric(seg, now)
	}
	ep.mu.Unlock()

	switch action {
	case actionRegisterConnected:
		ep.dl.RegisterConnectedSocket(ep)
	case actionRegisterListening:
		ep.dl.RegisterListeningSocket(ep)
	case actionRemoveSocket:
		ep.dl.RemoveSocket(ep)
		ep.pool.release(ep.SocketID())
	}
}

// handleClosed implements spec §4.6.1's CLOSED case: drop, replying with
// RST unless the segment itself carried one.
func (ep *Endpoint) handleClosed(seg Segment) {
	if seg.Flags.HasAny(FlagRST) {
		return
	}
	var rst Segment
	rst.SocketID = seg.SocketID
	if seg.Flags.HasAny(FlagACK) {
		rst.Seq = seg.Ack
		rst.Flags = FlagRST
	} else {
		rst.Seq = 0
		rst.Ack = seq.Add(seg.Seq, seg.Len())
		rst.Flags = FlagRST | FlagACK
	}
	ep.transmitLocked(rst)
}

// handleListen implements spec §4.6.1's LISTEN case.
func (ep *Endpoint) handleListen(seg Segment, now time.Time) postAction {
	if seg.Flags.HasAny(FlagRST) {
		return actionNone // ignore
	}
	if seg.Flags.HasAny(FlagACK) {
		ep.transmitLocked(Segment{SocketID: seg.SocketID, Flags: FlagRST, Seq: seg.Ack})
		return actionNone
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return actionNone
	}
	if seg.SocketID != ep.tcb.socketID {
		// The sensor assigned this connection's socket-id when it sent the
		// SYN; adopt it so every reply demultiplexes correctly on its end.
		ep.pool.release(ep.tcb.socketID)
		ep.pool.reserve(seg.SocketID)
		ep.tcb.socketID = seg.SocketID
	}
	ep.tcb.rcv.IRS = seg.Seq
	ep.tcb.rcv.NXT = seq.Add(seg.Seq, seg.Len())
	ep.tcb.rcv.WND = ep.cfg.InitialWindow
	if len(seg.Payload) >= 6 {
		copy(ep.tcb.remoteIP[:], seg.Payload[0:4])
		ep.tcb.remotePort = binary.BigEndian.Uint16(seg.Payload[4:6])
	}
	ep.tcb.snd.UNA = ep.tcb.snd.ISS
	ep.tcb.snd.NXT = seq.Add(ep.tcb.snd.ISS, 1)
	reply := Segment{SocketID: ep.tcb.socketID, Flags: FlagSYN | FlagACK, Seq: ep.tcb.snd.ISS, Ack: ep.tcb.rcv.NXT}
	ep.queueForRetransmit(reply, now)
	ep.transmitLocked(reply)
	ep.tcb.activeOpen = false
	ep.setState(StateSynRcvd)
	return actionRegisterConnected
}

// handleSynSent implements spec §4.6.1's SYN_SENT case.
func (ep *Endpoint) handleSynSent(seg Segment, now time.Time) postAction {
	hasACK := seg.Flags.HasAny(FlagACK)
	if hasACK && !(seq.LessThan(ep.tcb.snd.ISS, seg.Ack) && seq.LessOrEqual(seg.Ack, ep.tcb.snd.NXT)) {
		if !seg.Flags.HasAny(FlagRST) {
			ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagRST, Seq: seg.Ack})
		}
		return actionNone
	}
	if seg.Flags.HasAny(FlagRST) {
		if hasACK {
			ep.resetHard("hard")
			return actionRemoveSocket
		}
		return actionNone
	}
	if !seg.Flags.HasAny(FlagSYN) {
		return actionNone
	}
	ep.tcb.rcv.IRS = seg.Seq
	ep.tcb.rcv.NXT = seq.Add(seg.Seq, seg.Len())
	ep.tcb.rcv.WND = ep.cfg.InitialWindow
	if hasACK {
		ep.tcb.snd.UNA = seg.Ack
		ep.tcb.removeAckedFromRtxQueue()
	}
	if seq.LessThan(ep.tcb.snd.ISS, ep.tcb.snd.UNA) {
		ep.setState(StateEstablished)
		ack := Segment{SocketID: ep.tcb.socketID, Flags: FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT}
		ep.transmitLocked(ack)
	} else {
		ep.setState(StateSynRcvd)
		reply := Segment{SocketID: ep.tcb.socketID, Flags: FlagSYN | FlagACK, Seq: ep.tcb.snd.ISS, Ack: ep.tcb.rcv.NXT}
		ep.queueForRetransmit(reply, now)
		ep.transmitLocked(reply)
		ep.tcb.snd.NXT = seq.Add(ep.tcb.snd.ISS, reply.Len())
	}
	return actionNone
}

// handleGeneric implements spec §4.6.1's "all other states" sequence:
// acceptability, RST, SYN-in-window, ACK processing, text delivery, FIN
// processing.
func (ep *Endpoint) handleGeneric(seg Segment, now time.Time) postAction {
	if !acceptable(seg.Seq, len(seg.Payload), ep.tcb.rcv.NXT, ep.tcb.rcv.WND) {
		if !seg.Flags.HasAny(FlagRST) {
			ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT})
		}
		return actionNone
	}

	if seg.Flags.HasAny(FlagRST) {
		wasPassiveSynRcvd := ep.tcb.state == StateSynRcvd && !ep.tcb.activeOpen
		if wasPassiveSynRcvd {
			ep.tcb.delete()
			ep.tcb.snd.ISS = randomISS()
			ep.tcb.snd.UNA, ep.tcb.snd.NXT = ep.tcb.snd.ISS, ep.tcb.snd.ISS
			ep.tcb.snd.WND = ep.cfg.InitialWindow
			ep.tcb.rcv.WND = ep.cfg.InitialWindow
			ep.setState(StateListen)
			return actionRegisterListening
		}
		ep.resetHard("hard")
		return actionRemoveSocket
	}

	if seg.Flags.HasAny(FlagSYN) {
		ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagRST, Seq: ep.tcb.snd.NXT})
		ep.resetHard("hard")
		return actionRemoveSocket
	}

	if !seg.Flags.HasAny(FlagACK) {
		return actionNone // drop: every segment past the handshake must ACK.
	}

	action := ep.processACK(seg, now)
	if action != actionNone {
		return action
	}

	if ep.tcb.state.canDeliverText() && len(seg.Payload) > 0 {
		ep.insertAndReassemble(seg.Seq, seg.Payload)
		if !seg.Flags.HasAny(FlagFIN) {
			// Acknowledge delivery; for an out-of-order segment this is a
			// duplicate ack at the unchanged rcv.nxt. A FIN segment is
			// acknowledged by processFIN instead.
			ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT})
		}
	}

	if seg.Flags.HasAny(FlagFIN) {
		return ep.processFIN(seg, now)
	}
	return actionNone
}

func (ep *Endpoint) processACK(seg Segment, now time.Time) postAction {
	switch ep.tcb.state {
	case StateSynRcvd:
		if !ep.tcb.isAckAcceptable(seg.Ack) {
			ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagRST, Seq: seg.Ack})
			return actionNone
		}
		ep.tcb.snd.UNA = seg.Ack
		ep.tcb.removeAckedFromRtxQueue()
		ep.setState(StateEstablished)
		return actionNone
	case StateLastAck:
		if ep.tcb.isAckAcceptable(seg.Ack) || seg.Ack == ep.tcb.snd.NXT {
			ep.resetCause = "soft"
			ep.deleteLocked()
			return actionRemoveSocket
		}
		return actionNone
	case StateClosing:
		if ep.tcb.isAckAcceptable(seg.Ack) || seg.Ack == ep.tcb.snd.NXT {
			ep.setState(StateTimeWait)
			ep.tcb.timeWaitTimer.start(now, ep.cfg.TimeWaitTimeout)
		}
		return actionNone
	case StateTimeWait:
		ep.tcb.timeWaitTimer.start(now, ep.cfg.TimeWaitTimeout)
		return actionNone
	}

	if !ep.tcb.isAckAcceptable(seg.Ack) {
		if seq.GreaterThan(seg.Ack, ep.tcb.snd.NXT) {
			ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT})
			return actionNone
		}
		return actionNone // duplicate/old ACK: ignore, keep processing text/FIN.
	}
	ep.tcb.snd.UNA = seg.Ack
	ep.tcb.removeAckedFromRtxQueue()

	if ep.tcb.state == StateFinWait1 && ep.tcb.finSeq != 0 &&
		seq.GreaterOrEqual(seg.Ack, seq.Add(ep.tcb.finSeq, 1)) {
		ep.setState(StateFinWait2)
	}
	return actionNone
}

func (ep *Endpoint) processFIN(seg Segment, now time.Time) postAction {
	finPoint := seq.Add(seg.Seq, len(seg.Payload))
	if finPoint != ep.tcb.rcv.NXT {
		return actionNone // FIN not yet at the front of the reassembly window.
	}
	ep.tcb.rcv.NXT = seq.Add(ep.tcb.rcv.NXT, 1)
	ep.tcb.rcv.WND = ep.tcb.recvWindow()
	ep.transmitLocked(Segment{SocketID: ep.tcb.socketID, Flags: FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT})

	switch ep.tcb.state {
	case StateSynRcvd, StateEstablished:
		ep.setState(StateCloseWait)
	case StateFinWait1:
		ep.setState(StateClosing)
	case StateFinWait2:
		ep.setState(StateTimeWait)
		ep.tcb.timeWaitTimer.start(now, ep.cfg.TimeWaitTimeout)
	case StateTimeWait:
		ep.tcb.timeWaitTimer.start(now, ep.cfg.TimeWaitTimeout)
	}
	return actionNone
}

// insertAndReassemble implements spec §4.6.4: out-of-order segments are
// keyed by seq in receive_buffer; after each arrival we walk forward from
// rcv.nxt appending every contiguous chunk to reassembled_data.
func (ep *Endpoint) insertAndReassemble(segSeq seq.Num, payload []byte) {
	if _, exists := ep.tcb.recvBuf[segSeq]; !exists {
		cp := append([]byte(nil), payload...)
		ep.tcb.recvBuf[segSeq] = cp
		ep.tcb.recvBufBytes += len(cp)
	}

	ep.bufMu.Lock()
	for {
		chunk, ok := ep.tcb.recvBuf[ep.tcb.rcv.NXT]
		if !ok {
			break
		}
		n := ep.tcb.reassembled.Write(chunk)
		if n == 0 {
			ep.warn("transport: reassembly buffer full, pausing delivery")
			break
		}
		delete(ep.tcb.recvBuf, ep.tcb.rcv.NXT)
		if n < len(chunk) {
			// Re-park the remainder at its own sequence point until the
			// application drains the stream.
			ep.tcb.recvBuf[seq.Add(ep.tcb.rcv.NXT, n)] = chunk[n:]
		}
		ep.tcb.recvBufBytes -= n
		ep.tcb.rcv.NXT = seq.Add(ep.tcb.rcv.NXT, n)
	}
	ep.bufMu.Unlock()
	ep.tcb.rcv.WND = ep.tcb.recvWindow()
}

// acceptable implements spec §4.6.3's four-case sequence-acceptability
// test.
func acceptable(segSeq seq.Num, segLen int, rcvNxt seq.Num, rcvWnd uint16) bool {
	switch {
	case segLen == 0 && rcvWnd == 0:
		return segSeq == rcvNxt
	case segLen == 0 && rcvWnd > 0:
		return seq.InWindow(segSeq, rcvNxt, rcvWnd)
	case segLen > 0 && rcvWnd == 0:
		return false
	default:
		last := seq.Add(segSeq, segLen-1)
		return seq.InWindow(segSeq, rcvNxt, rcvWnd) || seq.InWindow(last, rcvNxt, rcvWnd)
	}
}

// segmentize implements spec §4.6.5: in ESTABLISHED/CLOSE_WAIT/FIN_WAIT_1
// peel up to min(snd.wnd - bytes in flight, len(send_buffer)) bytes and send
// them as one data segment, advancing snd.nxt and queuing for
// retransmission.
func (ep *Endpoint) segmentize(now time.Time) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.tcb.state.canSend() {
		return
	}
	inFlight := seq.Sub(ep.tcb.snd.NXT, ep.tcb.snd.UNA)
	room := int(ep.tcb.snd.WND) - inFlight
	if room <= 0 {
		return
	}

	ep.bufMu.Lock()
	avail := ep.tcb.sendBuf.Buffered()
	if avail > room {
		avail = room
	}
	if avail == 0 {
		ep.bufMu.Unlock()
		return
	}
	payload := make([]byte, avail)
	n := ep.tcb.sendBuf.Read(payload)
	payload = payload[:n]
	ep.bufMu.Unlock()
	if n == 0 {
		return
	}

	seg := Segment{SocketID: ep.tcb.socketID, Flags: FlagACK, Seq: ep.tcb.snd.NXT, Ack: ep.tcb.rcv.NXT, Payload: payload}
	ep.queueForRetransmit(seg, now)
	ep.transmitLocked(seg)
	ep.tcb.snd.NXT = seq.Add(ep.tcb.snd.NXT, n)
}

// checkTimers implements spec §4.6.6: the retransmission and time-wait
// timers, polled rather than scheduled.
func (ep *Endpoint) checkTimers(now time.Time) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.tcb.timeWaitTimer.fired(now) {
		ep.tcb.timeWaitTimer.stop()
		ep.deleteLocked()
		ep.mu.Unlock()
		ep.dl.RemoveSocket(ep)
		ep.pool.release(ep.SocketID())
		ep.mu.Lock()
		return
	}

	if !ep.tcb.rtxTimer.fired(now) {
		return
	}
	front, ok := ep.tcb.rtxQueue.Pop()
	if !ok {
		ep.tcb.rtxTimer.stop()
		return
	}
	front.Attempts++
	if front.Attempts >= ep.cfg.MaxRetransmissionAttempts {
		rst := Segment{SocketID: ep.tcb.socketID, Flags: FlagRST, Seq: ep.tcb.snd.NXT}
		ep.transmitLocked(rst)
		ep.info("transport: retransmission attempts exhausted, resetting",
			slog.Uint64("seq", uint64(front.Seg.Seq)), slog.Int("attempts", front.Attempts))
		ep.resetHard("soft")
		ep.mu.Unlock()
		ep.dl.RemoveSocket(ep)
		ep.pool.release(ep.SocketID())
		ep.mu.Lock()
		return
	}

	seg := front.Seg
	if !seg.Flags.HasAny(FlagSYN) {
		seg.Ack = ep.tcb.rcv.NXT // re-update ack for data segments; SYN is resent as-is.
	}
	ep.transmitLocked(seg)
	ep.tcb.rtxQueue.PutLeft(front) // put back at the head.
	ep.tcb.rtxTimer.start(now, ep.cfg.RetransmissionTimeout)
}
