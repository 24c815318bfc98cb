// Package lnet defines the types shared between the link and transport
// layers of the LoRa sensor/gateway networking stack: node addressing and
// the handful of generic decode errors both frame codecs can return.
package lnet

import "net"

// Address identifies a sensor on the shared radio channel. It is always the
// sensor's own identifier: on the gateway it names the remote sensor a frame
// came from or is headed to, on a sensor it is the local identity stamped on
// every outgoing frame.
type Address [6]byte

// String renders the address in MAC-style colon-hex notation.
func (a Address) String() string {
	return net.HardwareAddr(a[:]).String()
}

// IsZero reports whether a is the unset address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// errGeneric is a small enum of decode errors shared by the DataFrame and
// Segment codecs, following the same pattern for both layers so callers can
// switch on a decode failure without caring which layer produced it.
type errGeneric uint8

const (
	_ errGeneric = iota // zero value is not a valid error
	// ErrTooShort is returned when a buffer is too small to hold a valid
	// frame or segment of its declared kind.
	ErrTooShort
	// ErrUnknownType is returned when a DataFrame's type byte does not
	// match a known frame type.
	ErrUnknownType
	// ErrSocketIDOutOfRange is returned when encoding a Segment whose
	// socket-id does not fit the 4-bit wire nibble (above 15).
	ErrSocketIDOutOfRange
	// ErrPayloadTooLarge is returned when an encode call is given a
	// payload that would push the wire representation past its maximum
	// size.
	ErrPayloadTooLarge
)

func (err errGeneric) Error() string {
	switch err {
	case ErrTooShort:
		return "lnet: buffer too short"
	case ErrUnknownType:
		return "lnet: unknown frame type"
	case ErrSocketIDOutOfRange:
		return "lnet: socket-id out of range"
	case ErrPayloadTooLarge:
		return "lnet: payload too large"
	default:
		return "lnet: invalid error"
	}
}
