package transport

import (
	"encoding/binary"

	"github.com/lora-net/lnet"
	"github.com/lora-net/lnet/seq"
)

// Flags packs the four control bits a Segment may carry. SYN and FIN are
// never both set; RST is never set together with either.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota
	FlagACK
	FlagFIN
	FlagRST

	flagMask = FlagSYN | FlagACK | FlagFIN | FlagRST
)

// HasAny reports whether any bit in mask is set in flags.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// HasAll reports whether every bit in mask is set in flags.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// String renders flags as a bracketed comma list, e.g. "[SYN,ACK]".
func (f Flags) String() string {
	if f == 0 {
		return "[]"
	}
	buf := make([]byte, 0, 16)
	buf = append(buf, '[')
	first := true
	add := func(name string) {
		if !first {
			buf = append(buf, ',')
		}
		buf = append(buf, name...)
		first = false
	}
	if f.HasAny(FlagSYN) {
		add("SYN")
	}
	if f.HasAny(FlagACK) {
		add("ACK")
	}
	if f.HasAny(FlagFIN) {
		add("FIN")
	}
	if f.HasAny(FlagRST) {
		add("RST")
	}
	buf = append(buf, ']')
	return string(buf)
}

const (
	// MaxSegmentPayload is the largest payload a Segment may carry. With
	// the 5-byte Segment header a full Segment is 247 bytes, two bytes
	// under the link layer's 249-byte MaxFramePayload.
	MaxSegmentPayload = 242
	segmentHeaderSize = 5
	// MaxSegmentSize is the largest a Segment may be on the wire.
	MaxSegmentSize = segmentHeaderSize + MaxSegmentPayload
	// MaxSocketID is the largest value the 4-bit socket-id nibble can hold.
	MaxSocketID = 15
)

// Segment is the transport-layer protocol data unit carried as a DataFrame's
// payload: a 4-bit socket-id, 4 flag bits, a 16-bit sequence number, a
// 16-bit acknowledgment number, and up to 242 bytes of payload.
type Segment struct {
	SocketID uint8
	Flags    Flags
	Seq      seq.Num
	Ack      seq.Num
	Payload  []byte
}

// Len returns the number of sequence-space octets this segment occupies:
// the payload length plus one for SYN and one for FIN (each consumes
// exactly one sequence number).
func (s Segment) Len() int {
	n := len(s.Payload)
	if s.Flags.HasAny(FlagSYN) {
		n++
	}
	if s.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the last octet occupied by s,
// including SYN/FIN. For a zero-length segment Last equals Seq.
func (s Segment) Last() seq.Num {
	n := s.Len()
	if n == 0 {
		return s.Seq
	}
	return seq.Add(s.Seq, n-1)
}

// EncodedLen returns the number of bytes Encode will write for s.
func (s Segment) EncodedLen() int {
	return segmentHeaderSize + len(s.Payload)
}

// Encode serializes s into dst per spec §6's wire format:
// (socket_id<<4)|flags, seq (big-endian 16), ack (big-endian 16), payload.
func Encode(s Segment, dst []byte) (int, error) {
	if s.SocketID > MaxSocketID {
		return 0, lnet.ErrSocketIDOutOfRange
	}
	if len(s.Payload) > MaxSegmentPayload {
		return 0, lnet.ErrPayloadTooLarge
	}
	n := s.EncodedLen()
	if len(dst) < n {
		return 0, lnet.ErrTooShort
	}
	dst[0] = (s.SocketID << 4) | byte(s.Flags&flagMask)
	binary.BigEndian.PutUint16(dst[1:3], uint16(s.Seq))
	binary.BigEndian.PutUint16(dst[3:5], uint16(s.Ack))
	copy(dst[segmentHeaderSize:n], s.Payload)
	return n, nil
}

// Decode parses a Segment out of src. The returned segment's Payload
// aliases src; callers that retain it past src's lifetime must copy it.
func Decode(src []byte) (Segment, error) {
	var s Segment
	if len(src) < segmentHeaderSize {
		return s, lnet.ErrTooShort
	}
	if len(src)-segmentHeaderSize > MaxSegmentPayload {
		return s, lnet.ErrPayloadTooLarge
	}
	s.SocketID = src[0] >> 4
	s.Flags = Flags(src[0]) & flagMask
	s.Seq = seq.Num(binary.BigEndian.Uint16(src[1:3]))
	s.Ack = seq.Num(binary.BigEndian.Uint16(src[3:5]))
	s.Payload = src[segmentHeaderSize:]
	return s, nil
}
