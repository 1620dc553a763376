// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package ccunits

import "testing"

func TestDataRateRoundTrip(t *testing.T) {
	for _, bps := range []int64{0, 1, 999, 1000000, 1 << 40} {
		if got := BitsPerSec(bps).Bps(); got != bps {
			t.Errorf("BitsPerSec(%d).Bps() = %d", bps, got)
		}
	}
}

func TestMegabitsPerSec(t *testing.T) {
	if got := MegabitsPerSec(1).Bps(); got != 1_000_000 {
		t.Errorf("MegabitsPerSec(1).Bps() = %d, want 1000000", got)
	}
	if got := MegabitsPerSec(5).Kbps(); got != 5000 {
		t.Errorf("MegabitsPerSec(5).Kbps() = %v, want 5000", got)
	}
}

func TestTimeDeltaRoundTrip(t *testing.T) {
	for _, us := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		if got := MicrosDelta(us).Micros(); got != us {
			t.Errorf("MicrosDelta(%d).Micros() = %d", us, got)
		}
	}
}

func TestDataSizeRoundTrip(t *testing.T) {
	for _, b := range []int64{0, 1, 1500, 1 << 40} {
		if got := BytesSize(b).Bytes(); got != b {
			t.Errorf("BytesSize(%d).Bytes() = %d", b, got)
		}
	}
}

func TestInfinityPropagation(t *testing.T) {
	if !PlusInfinityRate().IsInfinite() {
		t.Fatal("expected +infinity rate")
	}
	if got := BitsPerSec(1000).TimesDelta(PlusInfinityDelta()); got.IsFinite() {
		t.Fatalf("finite rate * infinite delta should stay finite only when delta is zero; got %v", got)
	}
}

func TestDivisionByInfiniteRateYieldsZeroDelta(t *testing.T) {
	d := BytesSize(1500).DividedByRate(PlusInfinityRate())
	if d.Micros() != 0 {
		t.Fatalf("DividedByRate(infinite) = %v, want zero", d)
	}
}

func TestFiniteRateTimesFiniteDeltaIsFinite(t *testing.T) {
	r := BitsPerSec(1000000)
	d := MillisDelta(8)
	s := r.TimesDelta(d)
	if !s.IsFinite() {
		t.Fatalf("expected finite size, got %v", s)
	}
	if s.Bytes() != 1000 {
		t.Fatalf("got %d bytes, want 1000", s.Bytes())
	}
}

func TestTotalOrderOnLattice(t *testing.T) {
	lo := MicrosDelta(-5)
	hi := MicrosDelta(5)
	if !lo.Less(hi) {
		t.Fatal("finite ordering broken")
	}
	if !MinusInfinityDelta().Less(lo) {
		t.Fatal("-infinity must be less than any finite value")
	}
	if !hi.Less(PlusInfinityDelta()) {
		t.Fatal("+infinity must be greater than any finite value")
	}
}

func TestClamp(t *testing.T) {
	min := KilobitsPerSec(100)
	max := KilobitsPerSec(1000)
	if got := KilobitsPerSec(50).Clamp(min, max); got.Bps() != min.Bps() {
		t.Errorf("Clamp low = %v, want %v", got, min)
	}
	if got := KilobitsPerSec(5000).Clamp(min, max); got.Bps() != max.Bps() {
		t.Errorf("Clamp high = %v, want %v", got, max)
	}
	if got := KilobitsPerSec(500).Clamp(min, max); got.Bps() != KilobitsPerSec(500).Bps() {
		t.Errorf("Clamp mid = %v, want 500kbps", got)
	}
}
