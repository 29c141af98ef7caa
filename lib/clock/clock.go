// Package clock provides an injectable monotonic time source.
//
// Instant and Duration are integer-millisecond value types so that tests can
// drive time deterministically without depending on wall-clock precision or
// the host's monotonic clock implementation.
package clock

import (
	"fmt"
	"time"
)

// Duration is a signed count of milliseconds. Unlike time.Duration it has no
// notion of nanosecond precision: the system this package serves only ever
// needs second/millisecond granularity, and keeping the unit explicit avoids
// accidental cross-unit arithmetic at call sites.
type Duration int64

// Zero is the additive identity.
const Zero Duration = 0

// Milliseconds constructs a Duration directly from a millisecond count.
func Milliseconds(ms int64) Duration { return Duration(ms) }

// Seconds constructs a Duration from a (possibly fractional) second count.
func Seconds(s float64) Duration { return Duration(s * 1000) }

// DurationParams mirrors the source's Duration.from({seconds?, milliseconds?}).
type DurationParams struct {
	Seconds      float64
	Milliseconds int64
}

// From sums the Seconds and Milliseconds fields of p into a single Duration.
// Either or both may be supplied; negative values are permitted.
func From(p DurationParams) Duration {
	return Duration(p.Milliseconds) + Seconds(p.Seconds)
}

// Milliseconds returns d as an integer millisecond count.
func (d Duration) Milliseconds() int64 { return int64(d) }

// Seconds returns d as a floating-point second count.
func (d Duration) Seconds() float64 { return float64(d) / 1000 }

// CeilSeconds returns the smallest integer number of seconds not less than d.
// Used for the Age header, which the spec defines as an unbounded-above
// ceiling of a duration in seconds (§9(iii)).
func (d Duration) CeilSeconds() int64 {
	ms := int64(d)
	q := ms / 1000
	r := ms % 1000
	if r > 0 {
		q++
	}
	return q
}

// AsStdlib converts d to a time.Duration for interop with the standard
// library (timers, contexts, etc).
func (d Duration) AsStdlib() time.Duration {
	return time.Duration(d) * time.Millisecond
}

// FromStdlib converts a time.Duration to a Duration, truncating to
// millisecond resolution.
func FromStdlib(d time.Duration) Duration {
	return Duration(d.Milliseconds())
}

func (d Duration) String() string {
	return fmt.Sprintf("%dms", int64(d))
}

// Instant is an integer-millisecond timestamp with a total order. It carries
// no timezone or calendar information; it exists purely to support
// comparison and arithmetic relative to other Instants.
type Instant int64

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
func (a Instant) Compare(b Instant) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Add returns the Instant d after a (or before, if d is negative).
func (a Instant) Add(d Duration) Instant {
	return a + Instant(d)
}

// Subtract returns the Instant d before a (or after, if d is negative).
func (a Instant) Subtract(d Duration) Instant {
	return a - Instant(d)
}

// Since returns other minus a. Note the orientation: this is NOT "how long
// ago was other relative to a" in the usual sense; it is other's timestamp
// minus a's. The rest of the system relies on requestStart.Since(now())
// being positive once now() has moved past requestStart, matching the
// TypeScript original exactly (§4.1).
func (a Instant) Since(other Instant) Duration {
	return Duration(other - a)
}

func (a Instant) String() string {
	return fmt.Sprintf("t=%dms", int64(a))
}

// Source returns the current Instant. A Source must be monotonically
// non-decreasing across calls from a single process.
type Source func() Instant

// System is a Source backed by the host's monotonic clock, anchored at
// process start so that returned values fit comfortably in an Instant's
// millisecond range.
var System Source = systemClock().now

type systemSource struct {
	start time.Time
}

func systemClock() *systemSource {
	return &systemSource{start: time.Now()}
}

func (s *systemSource) now() Instant {
	return Instant(time.Since(s.start).Milliseconds())
}
