package link

import (
	"github.com/lora-net/lnet"
)

// FrameType distinguishes a DataFrame carrying a transport Segment from a
// sensor's wake-up announcement.
type FrameType uint8

const (
	// FrameSegment carries a transport-layer Segment as its payload.
	FrameSegment FrameType = 0x01
	// FrameWokeUp announces a sensor's return from deep sleep. It carries
	// no payload.
	FrameWokeUp FrameType = 0x00
)

func (t FrameType) String() string {
	switch t {
	case FrameWokeUp:
		return "WOKE_UP"
	case FrameSegment:
		return "SEGMENT"
	default:
		return "UNKNOWN"
	}
}

const (
	addressSize = 6
	typeSize    = 1
	headerSize  = addressSize + typeSize
	// MaxFrameSize is the largest a DataFrame may be on the wire, matching
	// the ≤256-byte constraint of the underlying radio modem.
	MaxFrameSize = 256
	// MaxFramePayload is the largest a DataFrame payload may be: the frame
	// budget minus the fixed 7-byte header.
	MaxFramePayload = MaxFrameSize - headerSize
)

// DataFrame is the link-layer protocol data unit: a 6-byte sensor address, a
// 1-byte type, and up to 249 bytes of payload. address always identifies the
// sensor: on the gateway it names the remote the frame came from or is
// destined to, on a sensor it is always the local identity.
type DataFrame struct {
	Address lnet.Address
	Type    FrameType
	Payload []byte
}

// EncodedLen returns the number of bytes Encode will write for this frame.
func (f DataFrame) EncodedLen() int {
	return headerSize + len(f.Payload)
}

// Encode serializes f into dst, returning the number of bytes written.
// Encode is total for any DataFrame whose payload fits within
// MaxFramePayload; validation happens here rather than at construction so
// a zero-value DataFrame is always safe to build up field by field.
func Encode(f DataFrame, dst []byte) (int, error) {
	if len(f.Payload) > MaxFramePayload {
		return 0, lnet.ErrPayloadTooLarge
	}
	n := f.EncodedLen()
	if len(dst) < n {
		return 0, lnet.ErrTooShort
	}
	copy(dst[0:addressSize], f.Address[:])
	dst[addressSize] = byte(f.Type)
	copy(dst[headerSize:n], f.Payload)
	return n, nil
}

// Decode parses a DataFrame out of src. The returned frame's Payload aliases
// src; callers that retain the frame past the lifetime of src must copy it.
func Decode(src []byte) (DataFrame, error) {
	var f DataFrame
	if len(src) < headerSize {
		return f, lnet.ErrTooShort
	}
	if len(src) > MaxFrameSize {
		return f, lnet.ErrPayloadTooLarge
	}
	copy(f.Address[:], src[0:addressSize])
	typ := FrameType(src[addressSize])
	if typ != FrameWokeUp && typ != FrameSegment {
		return DataFrame{}, lnet.ErrUnknownType
	}
	f.Type = typ
	f.Payload = src[headerSize:]
	return f, nil
}
