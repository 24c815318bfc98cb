package link

import (
	"sync"
	"time"

	"github.com/lora-net/lnet"
)

// DefaultActiveTimeout is T_active: a sensor is considered active if heard
// from within this long.
const DefaultActiveTimeout = 10 * time.Second

// socketLookupKey is the opaque 6-byte prefix the gateway's data-link
// historically used in place of a clean socket-id extraction. It is not an
// address and not a socket-id; it is whatever the first 6 bytes of a
// segment happen to be, kept exactly to preserve the original lookup
// mechanism. See EnqueueForSend.
type socketLookupKey [6]byte

func newSocketLookupKey(segmentBytes []byte) socketLookupKey {
	var k socketLookupKey
	copy(k[:], segmentBytes)
	return k
}

// SensorRecord is the gateway's per-sensor bookkeeping: the physical
// address, every socket-id ever seen from it, and the last time a frame
// arrived from it.
type SensorRecord struct {
	Address           lnet.Address
	SocketIDs         map[uint8]struct{}
	LastCommunication time.Time
}

// IsActive reports whether the record was touched within timeout of now.
func (r *SensorRecord) IsActive(now time.Time, timeout time.Duration) bool {
	if r.LastCommunication.IsZero() {
		return false
	}
	return now.Sub(r.LastCommunication) <= timeout
}

// Registry is the gateway-only sensor address/socket-id table. It has no
// role on a sensor endpoint, which only ever has one address: its own.
type Registry struct {
	mu            sync.Mutex
	bySensor      map[lnet.Address]*SensorRecord
	sendKeys      map[socketLookupKey]lnet.Address
	ActiveTimeout time.Duration
}

// NewRegistry returns an empty registry with the default active timeout.
func NewRegistry() *Registry {
	return &Registry{
		bySensor:      make(map[lnet.Address]*SensorRecord),
		sendKeys:      make(map[socketLookupKey]lnet.Address),
		ActiveTimeout: DefaultActiveTimeout,
	}
}

func (reg *Registry) getOrCreateLocked(addr lnet.Address) *SensorRecord {
	rec := reg.bySensor[addr]
	if rec == nil {
		rec = &SensorRecord{Address: addr, SocketIDs: make(map[uint8]struct{})}
		reg.bySensor[addr] = rec
	}
	return rec
}

// Touch records that a frame was just received from addr, creating a record
// for it if this is the first time it has been heard from.
func (reg *Registry) Touch(addr lnet.Address, now time.Time) *SensorRecord {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec := reg.getOrCreateLocked(addr)
	rec.LastCommunication = now
	return rec
}

// BindSocketID associates socketID with addr, creating a record for addr if
// necessary. A sensor may accumulate more than one socket-id over its
// lifetime as connections come and go.
func (reg *Registry) BindSocketID(addr lnet.Address, socketID uint8) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec := reg.getOrCreateLocked(addr)
	rec.SocketIDs[socketID] = struct{}{}
}

// ByAddress looks up the record for addr.
func (reg *Registry) ByAddress(addr lnet.Address) (*SensorRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.bySensor[addr]
	return rec, ok
}

// BySocketID finds the sensor that has socketID bound. Socket-ids are only
// unique per-sensor, not across sensors, so this is the clean (non-opaque)
// reverse lookup used for routing correctness.
func (reg *Registry) BySocketID(socketID uint8) (*SensorRecord, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, rec := range reg.bySensor {
		if _, ok := rec.SocketIDs[socketID]; ok {
			return rec, true
		}
	}
	return nil, false
}

// IsActive reports whether addr was heard from within ActiveTimeout of now.
// An address with no record is never active.
func (reg *Registry) IsActive(addr lnet.Address, now time.Time) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	rec, ok := reg.bySensor[addr]
	if !ok {
		return false
	}
	return rec.IsActive(now, reg.ActiveTimeout)
}

// RememberSendKey records the opaque lookup key derived from an inbound
// segment's header, so that a later outbound segment sharing the same
// leading bytes resolves back to addr. This reproduces the original
// data-link's use of a segment's first 6 bytes as a lookup key instead of
// its 4-bit socket-id; because sequence and ack numbers change from
// segment to segment the key rarely hits beyond the handshake's first
// exchange. EnqueueForSend falls back to BySocketID when it misses.
func (reg *Registry) RememberSendKey(segmentBytes []byte, addr lnet.Address) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.sendKeys[newSocketLookupKey(segmentBytes)] = addr
}

// ResolveSendKey looks up the address previously remembered for the opaque
// key derived from segmentBytes.
func (reg *Registry) ResolveSendKey(segmentBytes []byte) (lnet.Address, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	addr, ok := reg.sendKeys[newSocketLookupKey(segmentBytes)]
	return addr, ok
}

// ActiveInactiveCounts reports how many known sensors have communicated
// within ActiveTimeout of now, and how many have gone quiet, for metrics
// collection.
func (reg *Registry) ActiveInactiveCounts(now time.Time) (active, inactive int) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, rec := range reg.bySensor {
		if rec.IsActive(now, reg.ActiveTimeout) {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive
}
