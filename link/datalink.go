package link

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lora-net/lnet"
	"github.com/lora-net/lnet/internal"
)

// TransportEndpoint is the narrow interface the data-link needs from a
// transport connection to dispatch inbound segments to it. It is
// implemented by *transport.Endpoint; the data-link never imports the
// transport package, matching spec §9's "cyclic references" design note:
// the data-link owns endpoints by a weakly-typed index (this interface),
// never the other way around.
type TransportEndpoint interface {
	// SocketID returns the endpoint's 4-bit socket-id.
	SocketID() uint8
	// DeliverFrame hands a decoded Segment's raw bytes to the endpoint's
	// own incoming queue; it must never block.
	DeliverFrame(segmentBytes []byte)
}

// txItem is one frame waiting to go out. dest is meaningful only at the
// gateway, which must steer each frame to a specific sensor's address; a
// sensor's outbound frames always target the one implicit peer, the
// gateway, so dest is unused there.
type txItem struct {
	frameType FrameType
	dest      lnet.Address
	payload   []byte
}

// DataLink is the single process-wide worker that owns the radio: it
// drains the TX queue, dispatches received frames to the correct
// transport endpoint, enforces the duty-cycle budget, and recovers from
// modem BUSY stalls (spec §4.4). A process constructs exactly one
// DataLink; per spec §9 this is modeled as an explicit value rather than
// an ambient singleton.
type DataLink struct {
	mu      sync.Mutex
	gateway bool
	local   lnet.Address

	radio Radio
	cfg   Config

	txQueue *Queue[txItem]

	registry  *Registry // nil on a sensor
	listening []TransportEndpoint
	connected map[uint8]TransportEndpoint

	cycleStart    time.Time
	transmittedMs int64

	transmissionBlock bool
	busyStreak        int

	logger
}

// NewDataLink constructs a data-link for a sensor. local is the sensor's
// own 6-byte address, stamped on every outgoing DataFrame.
func NewDataLink(radio Radio, local lnet.Address, cfg Config, log *slog.Logger) *DataLink {
	cfg.applyDefaults()
	return &DataLink{
		gateway:   false,
		local:     local,
		radio:     radio,
		cfg:       cfg,
		txQueue:   NewQueue[txItem](cfg.TXQueueCapacity, "datalink-tx", log),
		connected: make(map[uint8]TransportEndpoint),
		logger:    logger{log: log},
	}
}

// NewGatewayDataLink constructs a data-link for the gateway, which
// multiplexes many sensors through registry.
func NewGatewayDataLink(radio Radio, registry *Registry, cfg Config, log *slog.Logger) *DataLink {
	cfg.applyDefaults()
	return &DataLink{
		gateway:   true,
		radio:     radio,
		cfg:       cfg,
		txQueue:   NewQueue[txItem](cfg.TXQueueCapacity, "datalink-tx", log),
		registry:  registry,
		connected: make(map[uint8]TransportEndpoint),
		logger:    logger{log: log},
	}
}

// RegisterListeningSocket adds ep to the list of endpoints in LISTEN,
// eligible to receive an unmatched inbound SYN (spec §4.4 step 3's
// "first LISTEN endpoint wins"). Gateway only.
func (dl *DataLink) RegisterListeningSocket(ep TransportEndpoint) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.listening = removeEndpoint(dl.listening, ep)
	dl.listening = append(dl.listening, ep)
}

// RegisterConnectedSocket promotes ep out of the listening list (if
// present) and indexes it by socket-id for direct dispatch. Used both for
// a sensor's active open and for the gateway's passive-open promotion out
// of LISTEN (spec §9's renaming of register_syn_sent_socket).
func (dl *DataLink) RegisterConnectedSocket(ep TransportEndpoint) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.listening = removeEndpoint(dl.listening, ep)
	dl.connected[ep.SocketID()] = ep
}

// RemoveSocket removes ep from every registry the data-link keeps, called
// when its TCB is deleted.
func (dl *DataLink) RemoveSocket(ep TransportEndpoint) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.listening = removeEndpoint(dl.listening, ep)
	if dl.connected[ep.SocketID()] == ep {
		delete(dl.connected, ep.SocketID())
	}
}

func removeEndpoint(eps []TransportEndpoint, target TransportEndpoint) []TransportEndpoint {
	out := eps[:0]
	for _, ep := range eps {
		if ep != target {
			out = append(out, ep)
		}
	}
	return out
}

// EnqueueForSend is called by the transport layer with already-encoded
// Segment bytes. The data-link wraps them in a DataFrame; at the gateway
// the destination sensor is resolved from the segment's leading bytes,
// preserving the original (idiosyncratic) opaque-key lookup with a
// clean socket-id fallback, per spec §4.4 and §9's resolution #3.
func (dl *DataLink) EnqueueForSend(segmentBytes []byte) {
	item := txItem{frameType: FrameSegment, payload: append([]byte(nil), segmentBytes...)}
	if dl.gateway {
		dest, ok := dl.registry.ResolveSendKey(segmentBytes)
		if !ok && len(segmentBytes) > 0 {
			socketID := segmentBytes[0] >> 4
			if rec, found := dl.registry.BySocketID(socketID); found {
				dest = rec.Address
				ok = true
			}
		}
		if ok {
			item.dest = dest
		} else {
			dl.warn("link: no known destination for outbound segment")
		}
		dl.registry.RememberSendKey(segmentBytes, item.dest)
	} else {
		item.dest = dl.local
	}
	dl.txQueue.Put(item)
}

// IsSleepReady reports whether the sensor may safely enter deep sleep:
// nothing left to transmit and the modem is not mid-recovery.
func (dl *DataLink) IsSleepReady() bool {
	dl.mu.Lock()
	blocked := dl.transmissionBlock
	dl.mu.Unlock()
	return dl.txQueue.Len() == 0 && !blocked && dl.radio.IsIdle()
}

// WokeUp announces a sensor's return from deep sleep by pushing a
// WOKE_UP frame to the front of the TX queue and clearing any lingering
// transmission block left over from before sleep. Sensor only.
func (dl *DataLink) WokeUp() {
	dl.mu.Lock()
	dl.transmissionBlock = false
	dl.mu.Unlock()
	dl.txQueue.PutLeft(txItem{frameType: FrameWokeUp, dest: dl.local})
}

// PrepareForSleep sets the transmission block and parks the modem in
// standby, ready for the sensor to enter deep sleep.
func (dl *DataLink) PrepareForSleep() {
	dl.mu.Lock()
	dl.transmissionBlock = true
	dl.mu.Unlock()
	if err := dl.radio.Standby(); err != nil {
		dl.logerr("link: standby failed", slog.String("err", err.Error()))
	}
}

// Run executes one iteration of the data-link's worker step (spec §4.4):
// check the transmission block, poll for a received frame and dispatch
// it, roll the duty-cycle window, and (budget permitting) send one queued
// frame. It must only ever be called from the single networking worker
// goroutine.
func (dl *DataLink) Run() time.Duration {
	now := dl.cfg.Now()
	dl.mu.Lock()
	blocked := dl.transmissionBlock
	dl.mu.Unlock()
	if blocked {
		return 0
	}

	dl.pollReceive(now)
	dl.rollDutyCycleWindow(now)
	return dl.maybeTransmit(now)
}

func (dl *DataLink) pollReceive(now time.Time) {
	var buf [MaxFrameSize]byte
	n, err := dl.radio.PollRecv(buf[:])
	if err != nil {
		if errors.Is(err, ErrBusyTimeout) {
			dl.recoverFromBusy(now)
			return
		}
		dl.warn("link: recv error", slog.String("err", err.Error()))
		return
	}
	dl.resetBusyStreak()
	if n == 0 {
		return
	}
	frame, err := Decode(buf[:n])
	if err != nil {
		dl.warn("link: dropping malformed frame", slog.String("err", err.Error()))
		return
	}
	dl.dispatch(frame, now)
}

// dispatch implements spec §4.4 steps 3-4.
func (dl *DataLink) dispatch(frame DataFrame, now time.Time) {
	if dl.gateway {
		dl.registry.Touch(frame.Address, now)
	}
	switch frame.Type {
	case FrameWokeUp:
		return // last-communication already updated above.
	case FrameSegment:
		dl.dispatchSegment(frame, now)
	default:
		dl.warn("link: frame of unknown type, dropping")
	}
}

func (dl *DataLink) dispatchSegment(frame DataFrame, now time.Time) {
	seg := frame.Payload
	if len(seg) < 1 {
		dl.warn("link: empty segment payload, dropping")
		return
	}
	socketID := seg[0] >> 4

	dl.mu.Lock()
	ep, ok := dl.connected[socketID]
	if !ok && len(dl.listening) > 0 {
		ep = dl.listening[0]
		ok = true
	}
	dl.mu.Unlock()
	if !ok {
		dl.warn("link: no endpoint for inbound segment, dropping",
			slog.Int("socket_id", int(socketID)),
			internal.SlogAddr6("from", (*[6]byte)(&frame.Address)))
		return
	}

	if dl.gateway {
		dl.registry.BindSocketID(frame.Address, socketID)
		dl.registry.RememberSendKey(seg, frame.Address)
	}
	ep.DeliverFrame(seg)
}

// rollDutyCycleWindow implements spec §4.4 step 5's sliding-window reset.
func (dl *DataLink) rollDutyCycleWindow(now time.Time) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if dl.cycleStart.IsZero() {
		dl.cycleStart = now
		return
	}
	if now.Sub(dl.cycleStart) >= dl.cfg.DutyCycleWindow {
		dl.cycleStart = now
		dl.transmittedMs = 0
	}
}

func (dl *DataLink) dutyCycleExhausted() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.transmittedMs > dl.cfg.DutyCycleBudgetMs
}

func (dl *DataLink) dutyCycleRemaining(now time.Time) time.Duration {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	remaining := dl.cfg.DutyCycleWindow - now.Sub(dl.cycleStart)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// maybeTransmit implements spec §4.4 step 6 and §4.4.1's active-sensor-
// aware send selection. Its return value is only meaningful on a sensor
// that is duty-cycle exhausted: the remaining window duration, a hint for
// the sleep manager.
func (dl *DataLink) maybeTransmit(now time.Time) time.Duration {
	if dl.dutyCycleExhausted() {
		if dl.gateway {
			dl.trace("link: duty cycle exhausted, skipping transmit")
			return 0
		}
		return dl.dutyCycleRemaining(now)
	}

	item, ok := dl.selectSend(now)
	if !ok {
		return 0
	}

	frameBytes, err := dl.encodeFrame(item)
	if err != nil {
		dl.warn("link: failed to encode outbound frame", slog.String("err", err.Error()))
		return 0
	}

	start := dl.cfg.Now()
	sendErr := dl.radio.Send(frameBytes)
	elapsed := dl.cfg.Now().Sub(start)

	if sendErr != nil {
		dl.txQueue.PutLeft(item) // spec §4.4.2: failed sends go back to the front.
		if errors.Is(sendErr, ErrBusyTimeout) {
			dl.recoverFromBusy(dl.cfg.Now())
		} else {
			dl.warn("link: send failed", slog.String("err", sendErr.Error()))
		}
		return 0
	}
	dl.resetBusyStreak()

	dl.mu.Lock()
	dl.transmittedMs += elapsed.Milliseconds()
	dl.mu.Unlock()
	return 0
}

// selectSend implements spec §4.4.1: on the gateway, drain the queue and
// pick the first entry whose destination sensor is active, requeueing the
// rest in original relative order. On a sensor, plain FIFO.
func (dl *DataLink) selectSend(now time.Time) (txItem, bool) {
	if !dl.gateway {
		return dl.txQueue.Pop()
	}

	all := dl.txQueue.DrainAll()
	if len(all) == 0 {
		return txItem{}, false
	}
	chosen := -1
	for i, it := range all {
		if dl.registry.IsActive(it.dest, now) {
			chosen = i
			break
		}
	}
	if chosen == -1 {
		dl.txQueue.PutAll(all)
		return txItem{}, false
	}
	rest := make([]txItem, 0, len(all)-1)
	rest = append(rest, all[:chosen]...)
	rest = append(rest, all[chosen+1:]...)
	dl.txQueue.PutAll(rest)
	return all[chosen], true
}

func (dl *DataLink) encodeFrame(item txItem) ([]byte, error) {
	addr := item.dest
	if !dl.gateway {
		addr = dl.local
	}
	f := DataFrame{Address: addr, Type: item.frameType, Payload: item.payload}
	var buf [MaxFrameSize]byte
	n, err := Encode(f, buf[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// recoverFromBusy implements spec §4.4 step 7 and §4.4.2: set the
// transmission block, wait briefly, re-init the modem into receive mode,
// clear the block. After the 10th consecutive failure on a sensor, invoke
// the device-reset callback.
func (dl *DataLink) recoverFromBusy(now time.Time) {
	dl.mu.Lock()
	dl.transmissionBlock = true
	dl.busyStreak++
	streak := dl.busyStreak
	dl.mu.Unlock()

	dl.warn("link: modem BUSY timeout, reinitializing", slog.Int("consecutive_failures", streak))
	time.Sleep(dl.cfg.BusyRecoveryWait)
	if err := dl.radio.StartRecv(); err != nil {
		dl.logerr("link: modem reinit failed", slog.String("err", err.Error()))
	}

	dl.mu.Lock()
	dl.transmissionBlock = false
	dl.mu.Unlock()

	if !dl.gateway && streak >= dl.cfg.MaxConsecutiveBusyFailures {
		dl.resetBusyStreak()
		if dl.cfg.OnDeviceResetRequired != nil {
			dl.cfg.OnDeviceResetRequired()
		}
	}
}

func (dl *DataLink) resetBusyStreak() {
	dl.mu.Lock()
	dl.busyStreak = 0
	dl.mu.Unlock()
}

// TXQueueDepth returns the number of frames currently waiting to be sent,
// for metrics collection.
func (dl *DataLink) TXQueueDepth() int {
	return dl.txQueue.Len()
}

// DutyCycleUsedMs returns the airtime, in milliseconds, spent transmitting
// within the current duty-cycle window.
func (dl *DataLink) DutyCycleUsedMs() int64 {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.transmittedMs
}
