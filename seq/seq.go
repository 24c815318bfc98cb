// Package seq implements 16-bit modular sequence-number arithmetic for the
// transport layer: wrap-around addition, signed distance, and the
// "half-space" ordering RFC 9293 §3.4 uses for TCP sequence numbers, scaled
// down from TCP's 32-bit space to the 16-bit space this protocol's Segment
// header uses.
package seq

// Num is a 16-bit sequence or acknowledgment number. Arithmetic on Num wraps
// modulo 2^16; ordering between two Num values is only meaningful for values
// within 2^15 of each other, exactly as with TCP's 32-bit sequence space.
type Num uint16

// Add returns n+delta, wrapping modulo 2^16.
func Add(n Num, delta int) Num {
	return Num(int32(n) + int32(delta))
}

// Sub returns the signed distance a-b in the range (-2^15, 2^15], such that
// Add(b, Sub(a, b)) == a. This is the modular equivalent of integer
// subtraction and is what backs LessThan/GreaterThan below.
func Sub(a, b Num) int {
	d := int32(a) - int32(b)
	// Normalize into (-2^15, 2^15].
	d = int32(int16(d))
	if d == -1<<15 {
		d = 1 << 15
	}
	return int(d)
}

// LessThan reports whether a precedes b in sequence space, per the
// half-space rule: a < b iff (a-b) mod 2^16 > 2^15.
func LessThan(a, b Num) bool {
	return Sub(a, b) < 0
}

// LessOrEqual reports whether a precedes or equals b in sequence space.
func LessOrEqual(a, b Num) bool {
	return a == b || LessThan(a, b)
}

// GreaterThan reports whether a follows b in sequence space.
func GreaterThan(a, b Num) bool {
	return LessThan(b, a)
}

// GreaterOrEqual reports whether a follows or equals b in sequence space. It
// is the exact negation of LessThan.
func GreaterOrEqual(a, b Num) bool {
	return !LessThan(a, b)
}

// InWindow reports whether seq lies in [start, start+size) in sequence
// space, handling wrap-around. A zero-size window never contains anything.
func InWindow(seqv, start Num, size uint16) bool {
	if size == 0 {
		return false
	}
	return Sub(seqv, start) >= 0 && Sub(seqv, start) < int(size)
}
