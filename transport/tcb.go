package transport

import (
	"sync"
	"time"

	"github.com/lora-net/lnet/internal"
	"github.com/lora-net/lnet/link"
	"github.com/lora-net/lnet/seq"
)

// rtxEntry is one sent-but-unacked segment sitting on the retransmission
// queue, with its own attempt counter: spec §9 notes the original tracks
// attempts per sequence number, not per connection, so a later segment gets
// its own MaxRetransmissionAttempts budget rather than inheriting an
// earlier segment's count.
type rtxEntry struct {
	Seg      Segment
	Attempts int
}

// sendSpace holds the send sequence-space variables: ISS, UNA, NXT, and the
// window WND the remote has advertised.
type sendSpace struct {
	ISS seq.Num
	UNA seq.Num
	NXT seq.Num
	WND uint16
}

// recvSpace holds the receive sequence-space variables: IRS, NXT, and the
// window WND we have advertised to the remote.
type recvSpace struct {
	IRS seq.Num
	NXT seq.Num
	WND uint16
}

// timer models a one-shot deadline that is polled rather than scheduled:
// "start-time or none" per spec §3's TCB table.
type timer struct {
	deadline time.Time
	running  bool
}

func (t *timer) start(now time.Time, d time.Duration) {
	t.deadline = now.Add(d)
	t.running = true
}

func (t *timer) stop() {
	t.running = false
}

func (t *timer) fired(now time.Time) bool {
	return t.running && !now.Before(t.deadline)
}

// SocketIDPool hands out the 4-bit socket-ids shared by every endpoint on a
// radio, round-robin over a monotonically increasing counter that wraps
// back into the 0..15 range, skipping ids currently in use. Gateway and
// sensor processes each own exactly one pool, passed to every
// NewEndpoint call so socket-ids never collide within a process.
type SocketIDPool struct {
	mu    sync.Mutex
	next  uint8
	inUse [MaxConcurrentSockets]bool
}

// NewSocketIDPool returns an empty pool ready to hand out ids 0..15.
func NewSocketIDPool() *SocketIDPool {
	return &SocketIDPool{}
}

func (p *SocketIDPool) acquire() (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < MaxConcurrentSockets; i++ {
		id := p.next
		p.next = (p.next + 1) % MaxConcurrentSockets
		if !p.inUse[id] {
			p.inUse[id] = true
			return id, true
		}
	}
	return 0, false
}

// reserve marks id as in use regardless of its prior state. The gateway's
// passive open uses it to adopt the socket-id carried by an inbound SYN:
// the sensor assigned that id and every reply must carry it back for the
// sensor to demultiplex.
func (p *SocketIDPool) reserve(id uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < MaxConcurrentSockets {
		p.inUse[id] = true
	}
}

func (p *SocketIDPool) release(id uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < MaxConcurrentSockets {
		p.inUse[id] = false
	}
}

var (
	issMu  sync.Mutex
	issRng = internal.NewRand16(uint32(time.Now().UnixNano()))
)

// randomISS draws a 16-bit initial sequence number from the process-wide
// generator, seeded once at startup.
func randomISS() seq.Num {
	issMu.Lock()
	defer issMu.Unlock()
	return seq.Num(issRng.Next())
}

// tcb is the per-connection Transmission Control Block: sequence variables,
// windows, buffers and timers. It is embedded in Endpoint rather than kept
// as a separate allocation since the two have always had a strict 1:1
// lifetime in this design (spec §3: "each TCB is exclusively owned by one
// transport endpoint").
type tcb struct {
	socketID   uint8
	activeOpen bool
	remoteIP   [4]byte
	remotePort uint16

	state  State
	finSeq seq.Num

	snd sendSpace
	rcv recvSpace

	sendBuf      internal.Stream // app-written, not yet sent
	rtxQueue     *link.Queue[rtxEntry]
	recvBuf      map[seq.Num][]byte // out-of-order segments keyed by seq
	recvBufBytes int
	reassembled  internal.Stream // contiguous bytes ready for the app

	rtxTimer      timer
	timeWaitTimer timer
	// userTimeoutTimer is reserved; this profile never arms it.
	userTimeoutTimer timer

	logger
}

func (t *tcb) initBuffers() {
	t.sendBuf = internal.NewStream(streamBufferCapacity)
	t.reassembled = internal.NewStream(streamBufferCapacity)
	t.recvBuf = make(map[seq.Num][]byte)
	t.rtxQueue = link.NewQueue[rtxEntry](RetransmissionQueueCapacity, "rtx", nil)
}

// isAckAcceptable reports whether ack acknowledges new data:
// snd.una < ack <= snd.nxt in sequence-space arithmetic.
func (t *tcb) isAckAcceptable(ack seq.Num) bool {
	return seq.LessThan(t.snd.UNA, ack) && seq.LessOrEqual(ack, t.snd.NXT)
}

// removeAckedFromRtxQueue drops every retransmission-queue entry fully
// covered by snd.una, i.e. seg.seq+seg.len <= snd.una.
func (t *tcb) removeAckedFromRtxQueue() {
	kept := make([]rtxEntry, 0, RetransmissionQueueCapacity)
	for {
		e, ok := t.rtxQueue.Pop()
		if !ok {
			break
		}
		if seq.LessOrEqual(seq.Add(e.Seg.Seq, e.Seg.Len()), t.snd.UNA) {
			continue // fully acked, drop.
		}
		kept = append(kept, e)
	}
	t.rtxQueue.PutAll(kept)
	if t.rtxQueue.Len() == 0 {
		t.rtxTimer.stop()
	}
}

// delete zeros out all connection state and re-randomizes ISS, matching
// spec §4.5: a deleted TCB is indistinguishable from a freshly constructed
// one except for its socket-id and buffers' backing arrays.
func (t *tcb) delete() {
	t.state = StateClosed
	t.snd = sendSpace{ISS: randomISS()}
	t.snd.UNA, t.snd.NXT = t.snd.ISS, t.snd.ISS
	t.rcv = recvSpace{}
	t.finSeq = 0
	t.sendBuf.Reset()
	t.reassembled.Reset()
	for k := range t.recvBuf {
		delete(t.recvBuf, k)
	}
	t.recvBufBytes = 0
	if t.rtxQueue != nil {
		t.rtxQueue.DrainAll()
	}
	t.rtxTimer.stop()
	t.timeWaitTimer.stop()
	t.userTimeoutTimer.stop()
	t.remoteIP = [4]byte{}
	t.remotePort = 0
}

// recvWindow recomputes rcv.WND from buffered bytes, never segment count,
// per spec §9's explicit correction of the original's per-segment
// accounting. The sum rcv.NXT+rcv.WND never decreases as a result of this
// call, since recvBufBytes only shrinks as bytes are delivered and rcv.NXT
// advances by the same amount they shrink.
func (t *tcb) recvWindow() uint16 {
	free := MaxSegmentPayload - t.recvBufBytes
	if free < 0 {
		free = 0
	}
	return uint16(free)
}
