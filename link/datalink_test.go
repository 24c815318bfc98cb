package link

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lora-net/lnet"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1700000000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubRadio records transmissions and serves queued receive frames. Errors
// are injected per call through errs.
type stubRadio struct {
	mu       sync.Mutex
	sent     [][]byte
	rx       [][]byte
	sendErrs []error
	recvErr  error
	onAir    time.Duration
	clk      *testClock
	standbys int
}

func (r *stubRadio) Send(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clk != nil && r.onAir > 0 {
		r.clk.Advance(r.onAir)
	}
	if len(r.sendErrs) > 0 {
		err := r.sendErrs[0]
		r.sendErrs = r.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	r.sent = append(r.sent, append([]byte(nil), frame...))
	return nil
}

func (r *stubRadio) StartRecv() error { return nil }

func (r *stubRadio) PollRecv(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recvErr != nil {
		return 0, r.recvErr
	}
	if len(r.rx) == 0 {
		return 0, nil
	}
	f := r.rx[0]
	r.rx = r.rx[1:]
	return copy(buf, f), nil
}

func (r *stubRadio) Standby() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.standbys++
	return nil
}

func (r *stubRadio) IsIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rx) == 0
}

func (r *stubRadio) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// recordingEndpoint implements TransportEndpoint for dispatch tests.
type recordingEndpoint struct {
	id        uint8
	delivered [][]byte
}

func (e *recordingEndpoint) SocketID() uint8 { return e.id }
func (e *recordingEndpoint) DeliverFrame(b []byte) {
	e.delivered = append(e.delivered, append([]byte(nil), b...))
}

var (
	sensorA = lnet.Address{1, 1, 1, 1, 1, 1}
	sensorB = lnet.Address{2, 2, 2, 2, 2, 2}
)

func testLinkConfig(clk *testClock) Config {
	return Config{Now: clk.Now, BusyRecoveryWait: time.Millisecond}
}

func TestDutyCycleGateAtGateway(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{clk: clk, onAir: 20 * time.Second} // 20,000 ms per frame.
	reg := NewRegistry()
	reg.ActiveTimeout = 10 * time.Hour // keep the sensor active all test long.
	reg.Touch(sensorA, clk.Now())
	dl := NewGatewayDataLink(radio, reg, testLinkConfig(clk), nil)

	for i := 0; i < 3; i++ {
		dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{0x20, 0, 0, 0, 0}})
	}

	dl.Run() // 20,000 ms used: under budget.
	dl.Run() // 40,000 ms used: budget crossed.
	if got := radio.sentCount(); got != 2 {
		t.Fatalf("sent %d frames, want 2", got)
	}

	// Budget exhausted: transmission skipped, queue retained, receive path
	// still live.
	radio.mu.Lock()
	frame := encodeTestFrame(t, sensorA, FrameWokeUp, nil)
	radio.rx = append(radio.rx, frame)
	radio.mu.Unlock()
	dl.Run()
	if got := radio.sentCount(); got != 2 {
		t.Fatalf("transmitted while duty-cycle exhausted: sent %d, want 2", got)
	}
	if got := dl.TXQueueDepth(); got != 1 {
		t.Fatalf("tx queue depth = %d, want 1", got)
	}
	if rec, ok := reg.ByAddress(sensorA); !ok || !rec.LastCommunication.Equal(clk.Now()) {
		t.Fatal("receive dispatch stopped while duty-cycle exhausted")
	}

	// After the window elapses the budget resets and sending resumes.
	clk.Advance(DefaultDutyCycleWindow)
	dl.Run()
	if got := radio.sentCount(); got != 3 {
		t.Fatalf("sent %d frames after window reset, want 3", got)
	}
}

func TestDutyCycleHintOnSensor(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{clk: clk, onAir: 40 * time.Second}
	dl := NewDataLink(radio, sensorA, testLinkConfig(clk), nil)

	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{0x10, 0, 0, 0, 0}})
	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{0x10, 0, 0, 0, 1}})

	if hint := dl.Run(); hint != 0 {
		t.Fatalf("hint before exhaustion = %v, want 0", hint)
	}
	hint := dl.Run()
	if hint <= 0 {
		t.Fatalf("exhausted sensor returned hint %v, want > 0", hint)
	}
	if hint > DefaultDutyCycleWindow {
		t.Fatalf("hint %v exceeds the duty-cycle window", hint)
	}
}

func TestActiveSensorAwareSelection(t *testing.T) {
	clk := newTestClock()
	reg := NewRegistry()
	reg.Touch(sensorA, clk.Now())                            // active
	reg.Touch(sensorB, clk.Now().Add(-DefaultActiveTimeout)) // stale by a full timeout...
	clk.Advance(time.Second)                                 // ...and a second more.
	dl := NewGatewayDataLink(&stubRadio{}, reg, testLinkConfig(clk), nil)

	itemB1 := txItem{frameType: FrameSegment, dest: sensorB, payload: []byte{1}}
	itemA := txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{2}}
	itemB2 := txItem{frameType: FrameSegment, dest: sensorB, payload: []byte{3}}
	dl.txQueue.Put(itemB1)
	dl.txQueue.Put(itemA)
	dl.txQueue.Put(itemB2)

	chosen, ok := dl.selectSend(clk.Now())
	if !ok {
		t.Fatal("selectSend found nothing to send")
	}
	if chosen.dest != sensorA {
		t.Fatalf("selected frame for %v, want active sensor %v", chosen.dest, sensorA)
	}
	// The passed-over frames keep their relative order.
	rest := dl.txQueue.DrainAll()
	if len(rest) != 2 || rest[0].payload[0] != 1 || rest[1].payload[0] != 3 {
		t.Fatalf("requeued frames out of order: %+v", rest)
	}
}

func TestSelectSendAllInactive(t *testing.T) {
	clk := newTestClock()
	reg := NewRegistry()
	dl := NewGatewayDataLink(&stubRadio{}, reg, testLinkConfig(clk), nil)
	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorB, payload: []byte{1}})

	if _, ok := dl.selectSend(clk.Now()); ok {
		t.Fatal("selectSend picked a frame for an unknown (never-active) sensor")
	}
	if got := dl.TXQueueDepth(); got != 1 {
		t.Fatalf("queue depth = %d after skipped selection, want 1", got)
	}
}

func TestBusyRecoveryEscalatesToDeviceReset(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{recvErr: ErrBusyTimeout}
	resets := 0
	cfg := testLinkConfig(clk)
	cfg.OnDeviceResetRequired = func() { resets++ }
	dl := NewDataLink(radio, sensorA, cfg, nil)

	for i := 0; i < DefaultMaxConsecutiveBusyFailures-1; i++ {
		dl.Run()
	}
	if resets != 0 {
		t.Fatalf("device reset requested after %d failures, want none before %d",
			DefaultMaxConsecutiveBusyFailures-1, DefaultMaxConsecutiveBusyFailures)
	}
	dl.Run()
	if resets != 1 {
		t.Fatalf("device resets = %d, want 1 after %d consecutive failures", resets, DefaultMaxConsecutiveBusyFailures)
	}

	// A successful poll clears the streak.
	radio.mu.Lock()
	radio.recvErr = nil
	radio.mu.Unlock()
	dl.Run()
	radio.mu.Lock()
	radio.recvErr = ErrBusyTimeout
	radio.mu.Unlock()
	dl.Run()
	if resets != 1 {
		t.Fatalf("streak not reset by successful poll: resets = %d", resets)
	}
}

func TestFailedSendRequeuedAtFront(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{sendErrs: []error{errors.New("tx glitch")}}
	dl := NewDataLink(radio, sensorA, testLinkConfig(clk), nil)

	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{1}})
	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{2}})

	dl.Run() // first send fails, frame goes back to the front.
	if got := dl.TXQueueDepth(); got != 2 {
		t.Fatalf("queue depth after failed send = %d, want 2", got)
	}
	dl.Run()
	radio.mu.Lock()
	defer radio.mu.Unlock()
	if len(radio.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(radio.sent))
	}
	frame, err := Decode(radio.sent[0])
	if err != nil {
		t.Fatalf("Decode sent frame: %v", err)
	}
	if frame.Payload[0] != 1 {
		t.Fatalf("retried frame payload = %d, want the failed frame (1) first", frame.Payload[0])
	}
}

func TestWokeUpAnnouncement(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{}
	dl := NewDataLink(radio, sensorA, testLinkConfig(clk), nil)

	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{0x10, 0, 0, 0, 0}})
	dl.WokeUp()
	dl.Run()

	radio.mu.Lock()
	defer radio.mu.Unlock()
	if len(radio.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(radio.sent))
	}
	frame, err := Decode(radio.sent[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Type != FrameWokeUp {
		t.Fatalf("first frame after wake is %v, want WOKE_UP", frame.Type)
	}
	if frame.Address != sensorA {
		t.Fatalf("WOKE_UP carries address %v, want local %v", frame.Address, sensorA)
	}
}

func TestPrepareForSleepBlocksTransmission(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{}
	dl := NewDataLink(radio, sensorA, testLinkConfig(clk), nil)

	if !dl.IsSleepReady() {
		t.Fatal("idle data-link not sleep-ready")
	}
	dl.txQueue.Put(txItem{frameType: FrameSegment, dest: sensorA, payload: []byte{0x10, 0, 0, 0, 0}})
	if dl.IsSleepReady() {
		t.Fatal("data-link with queued frames reported sleep-ready")
	}

	dl.PrepareForSleep()
	dl.Run()
	if got := radio.sentCount(); got != 0 {
		t.Fatalf("transmitted %d frames while blocked for sleep, want 0", got)
	}
	radio.mu.Lock()
	standbys := radio.standbys
	radio.mu.Unlock()
	if standbys != 1 {
		t.Fatalf("standby calls = %d, want 1", standbys)
	}
}

func TestDispatchToListeningEndpoint(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{}
	reg := NewRegistry()
	dl := NewGatewayDataLink(radio, reg, testLinkConfig(clk), nil)

	listener := &recordingEndpoint{id: 5}
	dl.RegisterListeningSocket(listener)

	seg := []byte{0x31, 0x12, 0x34, 0x00, 0x00} // socket-id 3, SYN.
	radio.mu.Lock()
	radio.rx = append(radio.rx, encodeTestFrame(t, sensorA, FrameSegment, seg))
	radio.mu.Unlock()
	dl.Run()

	if len(listener.delivered) != 1 {
		t.Fatalf("listener got %d deliveries, want 1", len(listener.delivered))
	}
	if rec, ok := reg.ByAddress(sensorA); !ok {
		t.Fatal("sensor not upserted into registry on dispatch")
	} else if _, bound := rec.SocketIDs[3]; !bound {
		t.Fatal("socket-id 3 not bound to the sensor on dispatch")
	}
}

func TestDispatchPrefersConnectedSocket(t *testing.T) {
	clk := newTestClock()
	radio := &stubRadio{}
	reg := NewRegistry()
	dl := NewGatewayDataLink(radio, reg, testLinkConfig(clk), nil)

	listener := &recordingEndpoint{id: 9}
	connected := &recordingEndpoint{id: 3}
	dl.RegisterListeningSocket(listener)
	dl.RegisterConnectedSocket(connected)

	seg := []byte{0x32, 0, 1, 0, 2} // socket-id 3, ACK.
	radio.mu.Lock()
	radio.rx = append(radio.rx, encodeTestFrame(t, sensorA, FrameSegment, seg))
	radio.mu.Unlock()
	dl.Run()

	if len(connected.delivered) != 1 || len(listener.delivered) != 0 {
		t.Fatalf("dispatch went to listener (%d) instead of connected endpoint (%d)",
			len(listener.delivered), len(connected.delivered))
	}

	dl.RemoveSocket(connected)
	radio.mu.Lock()
	radio.rx = append(radio.rx, encodeTestFrame(t, sensorA, FrameSegment, seg))
	radio.mu.Unlock()
	dl.Run()
	if len(connected.delivered) != 1 {
		t.Fatal("removed endpoint still receives frames")
	}
}

func encodeTestFrame(t *testing.T, addr lnet.Address, typ FrameType, payload []byte) []byte {
	t.Helper()
	buf := make([]byte, MaxFrameSize)
	n, err := Encode(DataFrame{Address: addr, Type: typ, Payload: payload}, buf)
	if err != nil {
		t.Fatalf("Encode frame: %v", err)
	}
	return buf[:n]
}
