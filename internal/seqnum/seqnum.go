// Package seqnum implements arithmetic on SRT packet sequence numbers,
// which live in a 31-bit circular space and wrap at 2^31-1. Comparisons
// and distances are defined relative to the shorter way around the
// circle, following UDT's sequence number rules.
package seqnum

// Max is the largest valid sequence number.
const Max = 1<<31 - 1

// threshold decides which direction around the circle two numbers are
// compared in. Two numbers further apart than this are assumed to have
// wrapped.
const threshold = 1 << 30

// Value is a 31-bit packet sequence number. The top bit is always zero;
// constructors and arithmetic keep it masked.
type Value uint32

// New masks v into the sequence number space.
func New(v uint32) Value {
	return Value(v & Max)
}

// Inc returns the next sequence number, wrapping at Max.
func (v Value) Inc() Value {
	return (v + 1) & Max
}

// Dec returns the previous sequence number, wrapping below zero.
func (v Value) Dec() Value {
	return (v + Max) & Max
}

// Add returns v advanced by n, which may be negative.
func (v Value) Add(n int) Value {
	return Value(uint32(int(v)+n) & Max)
}

// Offset returns the number of increments that lead from a to b,
// interpreted across the wrap boundary. The result is negative when b
// is behind a.
func Offset(a, b Value) int {
	d := int(b) - int(a)
	switch {
	case d > threshold:
		return d - Max - 1
	case d < -threshold:
		return d + Max + 1
	default:
		return d
	}
}

// Cmp compares a and b in circular order: -1 when a precedes b, 0 when
// equal, +1 when a follows b.
func Cmp(a, b Value) int {
	off := Offset(a, b)
	switch {
	case off > 0:
		return -1
	case off < 0:
		return 1
	default:
		return 0
	}
}

// Less reports whether a strictly precedes b in circular order.
func Less(a, b Value) bool {
	return Offset(a, b) > 0
}

// Length returns the number of sequence numbers in the inclusive range
// [from, to]. A range of one element has length 1.
func Length(from, to Value) int {
	return Offset(from, to) + 1
}
