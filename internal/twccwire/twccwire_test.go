// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package twccwire

import (
	"testing"

	"github.com/heistp/ccsim/internal/ccunits"
)

func TestBuildParseRoundTrip(t *testing.T) {
	statuses := []PacketStatus{
		{Received: true, Delta: ccunits.MillisDelta(0)},
		{Received: false},
		{Received: true, Delta: ccunits.MillisDelta(5)},
		{Received: true, Delta: ccunits.MillisDelta(1)},
		{Received: false},
		{Received: false},
		{Received: true, Delta: ccunits.MillisDelta(20)},
		{Received: true, Delta: ccunits.MillisDelta(3)},
		{Received: false},
	}

	report, err := Build(111, 222, 1000, 42, 7, statuses)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if report.PacketStatusCount != uint16(len(statuses)) {
		t.Fatalf("PacketStatusCount = %d, want %d", report.PacketStatusCount, len(statuses))
	}

	got, err := Parse(report)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != len(statuses) {
		t.Fatalf("len(got) = %d, want %d", len(got), len(statuses))
	}
	for i, want := range statuses {
		if got[i].Received != want.Received {
			t.Fatalf("status %d: Received = %v, want %v", i, got[i].Received, want.Received)
		}
		if want.Received {
			// small deltas round-trip exactly to the 250us tick; the
			// test only uses delta values that are multiples of 250us.
			if got[i].Delta.Micros() != want.Delta.Micros() {
				t.Fatalf("status %d: Delta = %v, want %v", i, got[i].Delta, want.Delta)
			}
		}
	}
}

func TestBuildRejectsOutOfRangeDelta(t *testing.T) {
	statuses := []PacketStatus{
		{Received: true, Delta: ccunits.SecondsDelta(30)},
	}
	if _, err := Build(1, 2, 0, 0, 0, statuses); err == nil {
		t.Fatal("expected ErrDeltaOutOfRange")
	}
}

func TestSequenceExtenderHandlesWrap(t *testing.T) {
	var e SequenceExtender
	seqs := []uint16{65530, 65531, 65532, 65533, 65534, 65535, 0, 1, 2, 3}
	var prev uint32
	for i, s := range seqs {
		ext := e.Extend(s)
		if i > 0 && ext <= prev {
			t.Fatalf("extended sequence did not advance: seq=%d ext=%d prev=%d", s, ext, prev)
		}
		prev = ext
	}
	if prev != 65536+3 {
		t.Fatalf("final extended seq = %d, want %d", prev, 65536+3)
	}
}

func TestSequenceExtenderToleratesMinorReorder(t *testing.T) {
	var e SequenceExtender
	e.Extend(100)
	e.Extend(102)
	ext := e.Extend(101) // arrives late, out of order
	if ext != 101 {
		t.Fatalf("Extend(101) = %d, want 101", ext)
	}
}
