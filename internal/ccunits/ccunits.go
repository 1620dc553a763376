// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package ccunits provides strongly-typed, saturating arithmetic for the
// quantities the congestion controller reasons about: timestamps, time
// deltas, data rates and data sizes. Every type carries the same
// finite / +infinity / -infinity / uninitialised lattice, so a value read
// from one subsystem and compared or combined in another never silently
// wraps or loses its infinite state.
package ccunits

import (
	"fmt"
	"math"
)

const microsPerSecond = int64(1000000)

// plusInfinity and minusInfinity are sentinel counts distinct from any
// representable finite value. notInitialized is the zero value's meaning
// for every type in this package, matching Go's own zero-value default
// but given a name so intent is explicit at call sites.
const (
	notInitialized = int64(0)
	plusInfinity   = math.MaxInt64
	minusInfinity  = math.MinInt64
)

func roundHalfAwayFromZero(n, d int64) int64 {
	if d < 0 {
		n, d = -n, -d
	}
	if n >= 0 {
		return (n + d/2) / d
	}
	return -((-n + d/2) / d)
}

// Timestamp is a point in time expressed in microseconds since an
// unspecified epoch. It has no "minus infinity" state; only "plus
// infinity" and "uninitialized".
type Timestamp struct {
	us int64
}

// TimestampZero returns the zero Timestamp.
func TimestampZero() Timestamp { return Timestamp{notInitialized} }

// PlusInfinityTimestamp returns the +infinity Timestamp.
func PlusInfinityTimestamp() Timestamp { return Timestamp{plusInfinity} }

// MicrosTimestamp returns a finite Timestamp from a microsecond count.
func MicrosTimestamp(us int64) Timestamp { return Timestamp{us} }

// IsFinite reports whether t is not +infinity. The zero Timestamp counts
// as finite.
func (t Timestamp) IsFinite() bool { return t.us != plusInfinity }

// IsInfinite reports whether t is +infinity.
func (t Timestamp) IsInfinite() bool { return t.us == plusInfinity }

// Micros returns the microsecond count of a finite Timestamp. It panics if
// t is infinite.
func (t Timestamp) Micros() int64 {
	if !t.IsFinite() {
		panic("ccunits: Micros of infinite Timestamp")
	}
	return t.us
}

// Add returns t advanced by d, saturating at +infinity.
func (t Timestamp) Add(d TimeDelta) Timestamp {
	if t.IsInfinite() || d.IsPlusInfinite() {
		return PlusInfinityTimestamp()
	}
	if d.IsMinusInfinite() {
		panic("ccunits: Timestamp + -infinity is undefined")
	}
	return Timestamp{t.us + d.Micros()}
}

// Sub returns the TimeDelta from u to t (t - u), saturating at ±infinity.
func (t Timestamp) Sub(u Timestamp) TimeDelta {
	if t.IsInfinite() && !u.IsInfinite() {
		return PlusInfinityDelta()
	}
	if u.IsInfinite() && !t.IsInfinite() {
		return MinusInfinityDelta()
	}
	if t.IsInfinite() && u.IsInfinite() {
		panic("ccunits: infinity - infinity is undefined")
	}
	return MicrosDelta(t.us - u.us)
}

// Before reports whether t is strictly earlier than u.
func (t Timestamp) Before(u Timestamp) bool { return t.us < u.us }

// After reports whether t is strictly later than u.
func (t Timestamp) After(u Timestamp) bool { return t.us > u.us }

func (t Timestamp) String() string {
	if t.IsInfinite() {
		return "+inf"
	}
	return fmt.Sprintf("%dus", t.us)
}

// TimeDelta is a signed duration in microseconds, with +/- infinity states.
type TimeDelta struct {
	us int64
}

// ZeroDelta returns the zero TimeDelta.
func ZeroDelta() TimeDelta { return TimeDelta{notInitialized} }

// PlusInfinityDelta returns the +infinity TimeDelta.
func PlusInfinityDelta() TimeDelta { return TimeDelta{plusInfinity} }

// MinusInfinityDelta returns the -infinity TimeDelta.
func MinusInfinityDelta() TimeDelta { return TimeDelta{minusInfinity} }

// MicrosDelta returns a finite TimeDelta from a microsecond count.
func MicrosDelta(us int64) TimeDelta { return TimeDelta{us} }

// MillisDelta returns a finite TimeDelta from a millisecond count.
func MillisDelta(ms int64) TimeDelta { return TimeDelta{ms * 1000} }

// SecondsDelta returns a finite TimeDelta from a floating point second
// count, rounded half-away-from-zero to the nearest microsecond.
func SecondsDelta(s float64) TimeDelta {
	return TimeDelta{int64(math.Round(s * float64(microsPerSecond)))}
}

// IsPlusInfinite reports whether d is +infinity.
func (d TimeDelta) IsPlusInfinite() bool { return d.us == plusInfinity }

// IsMinusInfinite reports whether d is -infinity.
func (d TimeDelta) IsMinusInfinite() bool { return d.us == minusInfinity }

// IsFinite reports whether d is neither +infinity nor -infinity.
func (d TimeDelta) IsFinite() bool { return !d.IsPlusInfinite() && !d.IsMinusInfinite() }

// Micros returns the microsecond count of a finite TimeDelta. It panics if
// d is infinite.
func (d TimeDelta) Micros() int64 {
	if !d.IsFinite() {
		panic("ccunits: Micros of infinite TimeDelta")
	}
	return d.us
}

// Millis returns d in milliseconds, rounded half-away-from-zero. Infinite
// deltas saturate to math.MaxInt64/math.MinInt64.
func (d TimeDelta) Millis() int64 {
	if d.IsPlusInfinite() {
		return math.MaxInt64
	}
	if d.IsMinusInfinite() {
		return math.MinInt64
	}
	return roundHalfAwayFromZero(d.us, 1000)
}

// Seconds returns d in floating point seconds.
func (d TimeDelta) Seconds() float64 {
	if d.IsPlusInfinite() {
		return math.Inf(1)
	}
	if d.IsMinusInfinite() {
		return math.Inf(-1)
	}
	return float64(d.us) / float64(microsPerSecond)
}

// Add returns d + e, saturating at infinity.
func (d TimeDelta) Add(e TimeDelta) TimeDelta {
	if d.IsPlusInfinite() || e.IsPlusInfinite() {
		if d.IsMinusInfinite() || e.IsMinusInfinite() {
			panic("ccunits: +infinity + -infinity is undefined")
		}
		return PlusInfinityDelta()
	}
	if d.IsMinusInfinite() || e.IsMinusInfinite() {
		return MinusInfinityDelta()
	}
	return MicrosDelta(d.us + e.us)
}

// Sub returns d - e, saturating at infinity.
func (d TimeDelta) Sub(e TimeDelta) TimeDelta {
	if d.IsPlusInfinite() {
		if e.IsPlusInfinite() {
			panic("ccunits: +infinity - +infinity is undefined")
		}
		return PlusInfinityDelta()
	}
	if d.IsMinusInfinite() {
		if e.IsMinusInfinite() {
			panic("ccunits: -infinity - -infinity is undefined")
		}
		return MinusInfinityDelta()
	}
	if e.IsPlusInfinite() {
		return MinusInfinityDelta()
	}
	if e.IsMinusInfinite() {
		return PlusInfinityDelta()
	}
	return MicrosDelta(d.us - e.us)
}

// Less reports whether d is strictly less than e on the total lattice
// order -infinity < finite-by-value < +infinity.
func (d TimeDelta) Less(e TimeDelta) bool { return d.us < e.us }

func (d TimeDelta) String() string {
	switch {
	case d.IsPlusInfinite():
		return "+inf"
	case d.IsMinusInfinite():
		return "-inf"
	default:
		return fmt.Sprintf("%dus", d.us)
	}
}

// DataRate is a non-negative bitrate in bits per second, or +infinity.
// There is no finite negative DataRate.
type DataRate struct {
	bps int64
}

// ZeroRate returns the zero DataRate.
func ZeroRate() DataRate { return DataRate{notInitialized} }

// PlusInfinityRate returns the +infinity DataRate.
func PlusInfinityRate() DataRate { return DataRate{plusInfinity} }

// BitsPerSec returns a finite DataRate from a bits-per-second count.
func BitsPerSec(bps int64) DataRate {
	if bps < 0 {
		panic("ccunits: negative DataRate")
	}
	return DataRate{bps}
}

// KilobitsPerSec returns a finite DataRate from a kbps count.
func KilobitsPerSec(kbps int64) DataRate { return BitsPerSec(kbps * 1000) }

// MegabitsPerSec returns a finite DataRate from an Mbps count.
func MegabitsPerSec(mbps int64) DataRate { return BitsPerSec(mbps * 1_000_000) }

// IsFinite reports whether r is not +infinity.
func (r DataRate) IsFinite() bool { return r.bps != plusInfinity }

// IsInfinite reports whether r is +infinity.
func (r DataRate) IsInfinite() bool { return r.bps == plusInfinity }

// Bps returns the bits-per-second count of a finite DataRate.
func (r DataRate) Bps() int64 {
	if !r.IsFinite() {
		panic("ccunits: Bps of infinite DataRate")
	}
	return r.bps
}

// Kbps returns r in floating point kilobits per second.
func (r DataRate) Kbps() float64 {
	if r.IsInfinite() {
		return math.Inf(1)
	}
	return float64(r.bps) / 1000
}

// Scale returns r multiplied by the given non-negative factor, saturating
// at +infinity.
func (r DataRate) Scale(factor float64) DataRate {
	if r.IsInfinite() || math.IsInf(factor, 1) {
		return PlusInfinityRate()
	}
	v := float64(r.bps) * factor
	if v >= float64(plusInfinity) {
		return PlusInfinityRate()
	}
	if v < 0 {
		v = 0
	}
	return BitsPerSec(int64(math.Round(v)))
}

// Less reports whether r is strictly less than s.
func (r DataRate) Less(s DataRate) bool { return r.bps < s.bps }

// Min returns the smaller of r and s.
func (r DataRate) Min(s DataRate) DataRate {
	if r.Less(s) {
		return r
	}
	return s
}

// Max returns the larger of r and s.
func (r DataRate) Max(s DataRate) DataRate {
	if s.Less(r) {
		return r
	}
	return s
}

// Clamp restricts r to the inclusive range [min, max].
func (r DataRate) Clamp(min, max DataRate) DataRate {
	return r.Max(min).Min(max)
}

// TimesDelta returns the DataSize transferred at rate r over delta d. A
// finite rate and a finite delta always yield a finite size; an infinite
// rate yields an infinite size unless the delta is zero.
func (r DataRate) TimesDelta(d TimeDelta) DataSize {
	if d.IsFinite() && d.Micros() == 0 {
		return ZeroSize()
	}
	if r.IsInfinite() || !d.IsFinite() {
		return PlusInfinitySize()
	}
	bits := float64(r.bps) * d.Seconds()
	return BytesSize(int64(math.Round(bits / 8)))
}

func (r DataRate) String() string {
	if r.IsInfinite() {
		return "+inf bps"
	}
	return fmt.Sprintf("%dbps", r.bps)
}

// DataSize is a non-negative size in bytes, or +infinity.
type DataSize struct {
	bytes int64
}

// ZeroSize returns the zero DataSize.
func ZeroSize() DataSize { return DataSize{notInitialized} }

// PlusInfinitySize returns the +infinity DataSize.
func PlusInfinitySize() DataSize { return DataSize{plusInfinity} }

// BytesSize returns a finite DataSize from a byte count.
func BytesSize(bytes int64) DataSize {
	if bytes < 0 {
		panic("ccunits: negative DataSize")
	}
	return DataSize{bytes}
}

// IsFinite reports whether s is not +infinity.
func (s DataSize) IsFinite() bool { return s.bytes != plusInfinity }

// Bytes returns the byte count of a finite DataSize.
func (s DataSize) Bytes() int64 {
	if !s.IsFinite() {
		panic("ccunits: Bytes of infinite DataSize")
	}
	return s.bytes
}

// Add returns s + t, saturating at +infinity.
func (s DataSize) Add(t DataSize) DataSize {
	if !s.IsFinite() || !t.IsFinite() {
		return PlusInfinitySize()
	}
	return BytesSize(s.bytes + t.bytes)
}

// Sub returns s - t, clamped to zero if the result would be negative.
func (s DataSize) Sub(t DataSize) DataSize {
	if !t.IsFinite() {
		return ZeroSize()
	}
	if !s.IsFinite() {
		return PlusInfinitySize()
	}
	if s.bytes <= t.bytes {
		return ZeroSize()
	}
	return BytesSize(s.bytes - t.bytes)
}

// Less reports whether s is strictly less than t.
func (s DataSize) Less(t DataSize) bool { return s.bytes < t.bytes }

// DividedByRate returns the TimeDelta required to transfer s at rate r.
// Division by an infinite rate yields a zero delta, per spec.
func (s DataSize) DividedByRate(r DataRate) TimeDelta {
	if r.IsInfinite() {
		return ZeroDelta()
	}
	if r.bps == 0 {
		return PlusInfinityDelta()
	}
	if !s.IsFinite() {
		return PlusInfinityDelta()
	}
	secs := float64(s.bytes*8) / float64(r.bps)
	return SecondsDelta(secs)
}

// DividedByDelta returns the DataRate corresponding to transferring s over
// delta d.
func (s DataSize) DividedByDelta(d TimeDelta) DataRate {
	if d.Micros() <= 0 {
		return PlusInfinityRate()
	}
	if !s.IsFinite() {
		return PlusInfinityRate()
	}
	bps := float64(s.bytes*8) / d.Seconds()
	return BitsPerSec(int64(math.Round(bps)))
}

func (s DataSize) String() string {
	if !s.IsFinite() {
		return "+inf bytes"
	}
	return fmt.Sprintf("%dbytes", s.bytes)
}
