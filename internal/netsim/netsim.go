// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package netsim implements a simulated network link: a capacity-limited
// queue that drains at a configured rate, followed by a delay queue that
// applies jitter, Gilbert-Elliott burst loss and (optionally) reordering,
// the way webrtc's SimulatedNetwork models one hop of a call, generalized
// to a two-stage capacity+delay model with a loss process.
package netsim

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pion/rtp"

	"github.com/heistp/ccsim/internal/ccunits"
)

// Config is a simulated-network link's configuration, per spec section 6.
type Config struct {
	LinkCapacity       ccunits.DataRate  // 0 = unconstrained
	QueueLengthPackets int               // 0 = unbounded
	QueueDelay         ccunits.TimeDelta // mean one-way jitter delay
	DelayStdDev        ccunits.TimeDelta // jitter standard deviation
	LossPercent        float64           // 0-100
	AvgBurstLossLength float64           // >=1, or -1 for uniform loss
	AllowReordering    bool
	PacketOverhead     ccunits.DataSize // simulated UDP/IP overhead per packet
	RandomSeed         int64
}

// Packet is a unit of data crossing the simulated link. Size is the
// payload size; the link adds an RTP header plus Config.PacketOverhead
// on top when accounting for wire bytes.
type Packet struct {
	SendTime       ccunits.Timestamp
	Size           ccunits.DataSize
	SequenceNumber uint16
	SSRC           uint32

	// DestEndpointID identifies the packet's final destination, carried
	// along through every hop of a route the way webrtc's
	// EmulatedIpPacket.dest_endpoint_id does, so a Node's delay queue can
	// reorder packets without losing track of where each one is bound.
	DestEndpointID uint64

	// UserData is opaque payload carried alongside a packet's size and
	// routing metadata, the way webrtc's EmulatedIpPacket carries actual
	// data bytes. The link only ever reasons about Size; UserData lets a
	// caller (e.g. a transport-feedback report riding the reverse route)
	// recover what it sent once delivered, without re-encoding it twice.
	UserData any
}

// wireSize returns the packet's size as it actually crosses the link: its
// payload plus a marshaled RTP header plus the link's configured
// overhead, rather than a flat per-packet constant.
func (p Packet) wireSize(overhead ccunits.DataSize) ccunits.DataSize {
	h := rtp.Header{
		Version:        2,
		PayloadType:    96,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      uint32(p.SendTime.Micros() / 1000),
		SSRC:           p.SSRC,
	}
	return p.Size.Add(ccunits.BytesSize(int64(h.MarshalSize()))).Add(overhead)
}

// Outcome is what DequeueDeliverable reports for one packet: either its
// arrival time, or Lost with a sentinel arrival time equal to the time it
// was determined lost, so the upper layer can account for it without
// waiting for the packet's would-be arrival.
type Outcome struct {
	Packet  Packet
	Arrival ccunits.Timestamp
	Lost    bool
}

type capacityPacket struct {
	pkt         Packet
	sizeBits    int64
	drainedBits int64
}

type delayedPacket struct {
	pkt     Packet
	arrival ccunits.Timestamp
	lost    bool
}

// Network is one simulated link: a capacity queue followed by a delay
// queue, ported from webrtc's SimulatedNetwork (EnqueuePacket /
// UpdateCapacityQueue / DequeueDeliverablePackets).
type Network struct {
	cfg Config
	rng *rand.Rand

	probLossBursting  float64
	probStartBursting float64
	uniformLoss       bool
	bursting          bool

	capacityQueue    []capacityPacket
	queueBytes       ccunits.DataSize
	pendingDrainBits int64
	lastDrain        ccunits.Timestamp

	delayQueue       []delayedPacket
	lastPushedAt     ccunits.Timestamp
	hasLastPushed    bool
	needsSort        bool

	pauseUntil ccunits.Timestamp
}

// NewNetwork returns a Network with the given configuration. A non-zero
// RandomSeed makes jitter and loss draws reproducible across runs.
func NewNetwork(cfg Config) *Network {
	n := &Network{cfg: cfg, rng: rand.New(rand.NewSource(cfg.RandomSeed))}
	n.applyLossConfig()
	return n
}

func (n *Network) applyLossConfig() {
	probLoss := n.cfg.LossPercent / 100.0
	if n.cfg.AvgBurstLossLength <= 0 {
		n.uniformLoss = true
		n.probLossBursting = probLoss
		n.probStartBursting = probLoss
		return
	}
	n.uniformLoss = false
	n.probLossBursting = 1.0 - 1.0/n.cfg.AvgBurstLossLength
	n.probStartBursting = probLoss / (1 - probLoss) / n.cfg.AvgBurstLossLength
}

// SetLinkCapacity changes the capacity queue's drain rate, for scenarios
// that step a link's capacity mid-run (spec's capacity-step scenario).
// Already-queued packets keep whatever partial credit they've accrued.
func (n *Network) SetLinkCapacity(r ccunits.DataRate) {
	n.cfg.LinkCapacity = r
}

// SetPauseUntil pauses delivery: packets that would otherwise arrive
// before t are held until t, and later pauses can only move the pause
// point forward (arrival times always shift forward monotonically).
func (n *Network) SetPauseUntil(t ccunits.Timestamp) {
	if t.After(n.pauseUntil) {
		n.pauseUntil = t
	}
}

// Enqueue admits a packet to the capacity queue. It returns false, per
// spec's QueueOverflow handling at the network boundary, if the queue is
// already at its configured packet length.
func (n *Network) Enqueue(pkt Packet) bool {
	if n.cfg.QueueLengthPackets > 0 && len(n.capacityQueue) >= n.cfg.QueueLengthPackets {
		return false
	}
	if len(n.capacityQueue) == 0 {
		// Nothing was draining before this packet arrived: start the
		// drain clock at its send time, so capacity credit accumulates
		// from when there was actually something to drain rather than
		// from whenever Process first happens to be called.
		n.lastDrain = pkt.SendTime
	}
	size := pkt.wireSize(n.cfg.PacketOverhead)
	n.capacityQueue = append(n.capacityQueue, capacityPacket{pkt: pkt, sizeBits: size.Bytes() * 8})
	n.queueBytes = n.queueBytes.Add(size)
	return true
}

// QueueBytes returns the current capacity queue occupancy in bytes.
func (n *Network) QueueBytes() ccunits.DataSize {
	return n.queueBytes
}

// Process drains the capacity queue up to now, admitting packets that
// finish draining into the delay queue with their loss/jitter outcome
// decided. It must be called regularly (e.g. on a 1ms tick, matching
// webrtc's kPacketProcessingIntervalMs) for the link to make progress.
func (n *Network) Process(now ccunits.Timestamp) {
	if len(n.capacityQueue) == 0 {
		n.pendingDrainBits = 0
		n.lastDrain = now
		return
	}

	if n.cfg.LinkCapacity.Bps() == 0 {
		for len(n.capacityQueue) > 0 {
			n.popFrontAndAdmit(now)
		}
		n.lastDrain = now
		return
	}

	elapsed := now.Sub(n.lastDrain)
	n.lastDrain = now
	if elapsed.Micros() <= 0 {
		return
	}
	n.pendingDrainBits += n.cfg.LinkCapacity.Bps() * elapsed.Micros() / 1_000_000

	for len(n.capacityQueue) > 0 {
		front := &n.capacityQueue[0]
		needed := front.sizeBits - front.drainedBits
		if n.pendingDrainBits < needed {
			front.drainedBits += n.pendingDrainBits
			n.pendingDrainBits = 0
			break
		}
		n.pendingDrainBits -= needed
		n.popFrontAndAdmit(now)
	}
}

func (n *Network) popFrontAndAdmit(exitTime ccunits.Timestamp) {
	cp := n.capacityQueue[0]
	n.capacityQueue = n.capacityQueue[1:]
	n.queueBytes = n.queueBytes.Sub(ccunits.BytesSize(cp.sizeBits / 8))
	n.admit(cp.pkt, exitTime)
}

func (n *Network) admit(pkt Packet, exitTime ccunits.Timestamp) {
	drainTime := exitTime
	if n.pauseUntil.After(drainTime) {
		drainTime = n.pauseUntil
	}

	if n.rollLoss() {
		n.delayQueue = append(n.delayQueue, delayedPacket{pkt: pkt, arrival: drainTime, lost: true})
		return
	}

	arrival := exitTime.Add(ccunits.MicrosDelta(n.sampleJitterMicros()))
	if n.pauseUntil.After(arrival) {
		arrival = n.pauseUntil
	}
	if !n.cfg.AllowReordering {
		if n.hasLastPushed && arrival.Before(n.lastPushedAt) {
			arrival = n.lastPushedAt
		}
	} else if n.hasLastPushed && arrival.Before(n.lastPushedAt) {
		n.needsSort = true
	}
	n.lastPushedAt = arrival
	n.hasLastPushed = true

	n.delayQueue = append(n.delayQueue, delayedPacket{pkt: pkt, arrival: arrival})
}

// rollLoss decides whether the packet currently exiting the capacity
// queue is lost, advancing the Gilbert-Elliott bursting state. Uniform
// loss (AvgBurstLossLength <= 0) is a simple independent draw per packet.
// Otherwise a single draw both continues or starts a burst and decides
// this packet's fate: the packet that starts a burst is always lost.
func (n *Network) rollLoss() bool {
	if n.uniformLoss {
		return n.rng.Float64() < n.probLossBursting
	}
	if (n.bursting && n.rng.Float64() < n.probLossBursting) ||
		(!n.bursting && n.rng.Float64() < n.probStartBursting) {
		n.bursting = true
		return true
	}
	n.bursting = false
	return false
}

// sampleJitterMicros draws a truncated Gaussian sample (mean QueueDelay,
// stddev DelayStdDev, floored at zero).
func (n *Network) sampleJitterMicros() int64 {
	meanUs := float64(n.cfg.QueueDelay.Micros())
	stdUs := float64(n.cfg.DelayStdDev.Micros())
	j := meanUs
	if stdUs > 0 {
		j = n.rng.NormFloat64()*stdUs + meanUs
	}
	if j < 0 {
		j = 0
	}
	return int64(math.Round(j))
}

// DequeueDeliverable drains the capacity queue up to receiveTime, then
// returns every packet (delivered or lost) whose arrival time has
// passed, in arrival-time order.
func (n *Network) DequeueDeliverable(receiveTime ccunits.Timestamp) []Outcome {
	n.Process(receiveTime)

	if n.needsSort {
		sort.SliceStable(n.delayQueue, func(i, j int) bool {
			return n.delayQueue[i].arrival.Before(n.delayQueue[j].arrival)
		})
		n.needsSort = false
	}

	i := 0
	for i < len(n.delayQueue) && !n.delayQueue[i].arrival.After(receiveTime) {
		i++
	}
	out := make([]Outcome, i)
	for j := 0; j < i; j++ {
		dp := n.delayQueue[j]
		out[j] = Outcome{Packet: dp.pkt, Arrival: dp.arrival, Lost: dp.lost}
	}
	n.delayQueue = n.delayQueue[i:]
	return out
}
