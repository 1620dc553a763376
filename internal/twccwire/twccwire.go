// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package twccwire builds and parses transport-wide congestion control
// feedback reports on top of github.com/pion/rtcp's TransportLayerCC,
// rather than hand-rolling the run-length/status-vector/receive-delta bit
// layout the draft RFC describes.
package twccwire

import (
	"errors"

	"github.com/pion/rtcp"

	"github.com/heistp/ccsim/internal/ccunits"
)

// Symbol values for a single packet's status, as laid out in the packet
// status chunks of a transport-wide feedback report.
const (
	symbolNotReceived  = 0
	symbolSmallDelta   = 1
	symbolLargeDelta   = 2
	symbolSizeTwoBit   = 1
	statusVectorPerLen = 7 // packets per two-bit StatusVectorChunk
)

const (
	deltaUnit          = 250 // microseconds per recv-delta tick
	smallDeltaMaxTicks = 255
	largeDeltaMinTicks = -32768
	largeDeltaMaxTicks = 32767
)

// ErrDeltaOutOfRange is returned by Build when a received packet's delta
// since the reference time can't be represented in a recv-delta field.
var ErrDeltaOutOfRange = errors.New("twccwire: receive delta out of representable range")

// ErrMalformedReport is returned by Parse when a report's chunks don't
// account for exactly PacketStatusCount packets, or reference more
// receive deltas than are present.
var ErrMalformedReport = errors.New("twccwire: malformed transport-wide feedback report")

// PacketStatus is one packet's outcome within a feedback report, indexed
// by its position relative to the report's base sequence number.
type PacketStatus struct {
	// Received is true if the packet arrived at the feedback sender.
	Received bool
	// Delta is the time since the previous received packet's receive
	// time (or the report's reference time, for the first received
	// packet). Zero if Received is false.
	Delta ccunits.TimeDelta
}

// Build assembles a TransportLayerCC report covering len(statuses)
// packets starting at baseSeq, with receive times encoded as deltas from
// referenceTime. referenceTime must be truncated to a 64ms tick by the
// caller, per the wire format; ReferenceTime is stored as whole 64ms
// units since the feedback reporting started.
func Build(senderSSRC, mediaSSRC uint32, baseSeq uint16, referenceTime64ms uint32, fbPktCount uint8, statuses []PacketStatus) (*rtcp.TransportLayerCC, error) {
	t := &rtcp.TransportLayerCC{
		SenderSSRC:         senderSSRC,
		MediaSSRC:          mediaSSRC,
		BaseSequenceNumber: baseSeq,
		PacketStatusCount:  uint16(len(statuses)),
		ReferenceTime:      referenceTime64ms,
		FbPktCount:         fbPktCount,
	}

	for i := 0; i < len(statuses); i += statusVectorPerLen {
		end := i + statusVectorPerLen
		if end > len(statuses) {
			end = len(statuses)
		}
		symbols := make([]uint16, statusVectorPerLen)
		for j := range symbols {
			symbols[j] = symbolNotReceived
		}
		for j, s := range statuses[i:end] {
			sym, delta, err := symbolAndDelta(s)
			if err != nil {
				return nil, err
			}
			symbols[j] = sym
			if s.Received {
				t.RecvDeltas = append(t.RecvDeltas, &rtcp.RecvDelta{
					Type:  uint16(sym),
					Delta: delta,
				})
			}
		}
		t.PacketChunks = append(t.PacketChunks, &rtcp.StatusVectorChunk{
			SymbolSize: symbolSizeTwoBit,
			SymbolList: symbols,
		})
	}
	return t, nil
}

func symbolAndDelta(s PacketStatus) (uint16, int64, error) {
	if !s.Received {
		return symbolNotReceived, 0, nil
	}
	ticks := s.Delta.Micros() / deltaUnit
	if ticks >= 0 && ticks <= smallDeltaMaxTicks {
		return symbolSmallDelta, ticks * deltaUnit, nil
	}
	if ticks >= largeDeltaMinTicks && ticks <= largeDeltaMaxTicks {
		return symbolLargeDelta, ticks * deltaUnit, nil
	}
	return 0, 0, ErrDeltaOutOfRange
}

// Parse walks a TransportLayerCC report's packet chunks and receive
// deltas and returns one PacketStatus per packet covered by
// PacketStatusCount, in sequence-number order starting at
// BaseSequenceNumber.
func Parse(t *rtcp.TransportLayerCC) ([]PacketStatus, error) {
	out := make([]PacketStatus, 0, t.PacketStatusCount)
	deltaIdx := 0

	consume := func(sym uint16) error {
		if uint16(len(out)) >= t.PacketStatusCount {
			return nil
		}
		ps := PacketStatus{}
		if sym == symbolSmallDelta || sym == symbolLargeDelta {
			if deltaIdx >= len(t.RecvDeltas) {
				return ErrMalformedReport
			}
			ps.Received = true
			ps.Delta = ccunits.MicrosDelta(t.RecvDeltas[deltaIdx].Delta)
			deltaIdx++
		}
		out = append(out, ps)
		return nil
	}

	for _, c := range t.PacketChunks {
		if uint16(len(out)) >= t.PacketStatusCount {
			break
		}
		switch chunk := c.(type) {
		case *rtcp.RunLengthChunk:
			for i := uint16(0); i < chunk.RunLength; i++ {
				if err := consume(chunk.PacketStatusSymbol); err != nil {
					return nil, err
				}
			}
		case *rtcp.StatusVectorChunk:
			for _, sym := range chunk.SymbolList {
				if err := consume(sym); err != nil {
					return nil, err
				}
			}
		default:
			return nil, ErrMalformedReport
		}
	}
	if uint16(len(out)) != t.PacketStatusCount {
		return nil, ErrMalformedReport
	}
	return out, nil
}

// SequenceExtender turns wrapping 16-bit transport-wide sequence numbers
// into a monotonically increasing 32-bit extended sequence, using a
// nearest-cycle heuristic: of the three candidate extensions of seq
// (same cycle as the last extended value, one cycle up, one cycle down),
// it picks whichever is closest to highest+1, which keeps extension
// stable whether packets are reordered slightly or the cycle has just
// turned over.
type SequenceExtender struct {
	highest uint32
	started bool
}

// Extend returns the extended sequence number for seq, advancing the
// extender's high-water mark if seq extends past it.
func (e *SequenceExtender) Extend(seq uint16) uint32 {
	if !e.started {
		e.started = true
		e.highest = uint32(seq)
		return e.highest
	}
	best := e.Peek(seq)
	if best > e.highest {
		e.highest = best
	}
	return best
}

// Peek returns the extended sequence number seq would resolve to, without
// moving the high-water mark. Used to look up a historical sequence (e.g.
// from an incoming feedback report) against already-extended records
// without perturbing the extender's notion of the newest sequence seen.
func (e *SequenceExtender) Peek(seq uint16) uint32 {
	if !e.started {
		return uint32(seq)
	}
	cycle := int64(e.highest &^ 0xffff)
	target := int64(e.highest) + 1
	var best int64 = -1
	var bestDist int64
	for _, delta := range [3]int64{0, 1 << 16, -1 << 16} {
		c := cycle + delta + int64(seq)
		if c < 0 {
			continue
		}
		d := c - target
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDist {
			best, bestDist = c, d
		}
	}
	return uint32(best)
}
