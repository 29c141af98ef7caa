// Package units provides a non-negative byte-count type with binary unit
// constructors, matching the spec's Bytes data type (§3).
package units

import (
	"fmt"
	"math"
)

// Infinite represents the "+∞" weight the spec uses to mark an entry that
// can never fit within any limit (§4.3 failure policy). It is ordinary
// MaxInt64 rather than a true infinity since Bytes has no floating-point
// representation, but it is large enough that no real budget will exceed
// it and addition saturates rather than overflows (see Add).
const Infinite Bytes = math.MaxInt64

// Add sums a and b, saturating at Infinite instead of overflowing.
func Add(a, b Bytes) Bytes {
	if a >= Infinite-b || b >= Infinite {
		return Infinite
	}
	return a + b
}

// Bytes is a non-negative count of bytes.
type Bytes int64

// Unit constructors, base 1024.
const (
	B   Bytes = 1
	KiB       = 1024 * B
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
)

// Of scales n by the given unit, e.g. units.Of(50, units.MiB).
func Of(n int64, unit Bytes) Bytes {
	return Bytes(n) * unit
}

func (b Bytes) String() string {
	switch {
	case b >= GiB:
		return fmt.Sprintf("%.2fGiB", float64(b)/float64(GiB))
	case b >= MiB:
		return fmt.Sprintf("%.2fMiB", float64(b)/float64(MiB))
	case b >= KiB:
		return fmt.Sprintf("%.2fKiB", float64(b)/float64(KiB))
	default:
		return fmt.Sprintf("%dB", int64(b))
	}
}
