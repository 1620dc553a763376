// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package pacer implements the token-bucket metered egress and priority
// packet router sitting between the encoder and the network: it admits,
// queues, paces and (when idle) pads outgoing packets, and tags packets
// belonging to an active probe cluster.
package pacer

import (
	"errors"

	"github.com/pion/rtp"

	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/feedback"
	"github.com/heistp/ccsim/internal/probe"
	"github.com/heistp/ccsim/internal/taskqueue"
	"github.com/heistp/ccsim/internal/timecontroller"
)

// tickInterval is the pacer's own refill/drain cadence, per spec.
var tickInterval = ccunits.MillisDelta(5)

// budgetCap bounds how much unused budget a missed tick can accumulate,
// per spec's "budget accumulates but is capped at 500ms of rate" edge
// case.
var budgetCap = ccunits.MillisDelta(500)

const minPaddingSize = 50 // bytes, RTP header only

// Kind classifies a packet the way spec's design notes replace the
// source's capturer/renderer inheritance: a sum type carrying only what
// the pacer needs (a size and a pacing priority), not a media type.
type Kind int

const (
	KindMedia Kind = iota
	KindRetransmit
	KindProbe
	KindPadding
)

// StreamType distinguishes audio from video media packets, since they
// rank differently in the pacer's priority order.
type StreamType int

const (
	StreamAudio StreamType = iota
	StreamVideo
)

// Priority is the pacer's dequeue order: lower values drain first.
type Priority int

const (
	PriorityAudio Priority = iota
	PriorityRetransmit
	PriorityVideo
	PriorityPadding
)

// priorityOrder lists every priority level in drain order.
var priorityOrder = [...]Priority{PriorityAudio, PriorityRetransmit, PriorityVideo, PriorityPadding}

// Packet is a unit of data the pacer can admit, in spec's sum-type
// model: {Media, Retransmit, Probe, Padding}, each carrying only a size
// and a pacing priority.
type Packet struct {
	SSRC       uint32
	Kind       Kind
	StreamType StreamType
	Size       ccunits.DataSize
}

// audioPayloadType and videoPayloadType are arbitrary dynamic RTP
// payload type numbers, only used to build a realistic outgoing RTP
// header; no codec negotiation happens at this layer.
const (
	audioPayloadType = 111
	videoPayloadType = 96
)

// wireSize marshals the RTP header a packet would actually carry on the
// wire and adds it to the payload size, so pacing budget and congestion
// window accounting reflect real outgoing bytes rather than payload
// size alone.
func wireSize(pkt Packet, seq uint16, now ccunits.Timestamp) ccunits.DataSize {
	pt := uint8(videoPayloadType)
	if pkt.StreamType == StreamAudio {
		pt = audioPayloadType
	}
	h := rtp.Header{
		Version:        2,
		PayloadType:    pt,
		SequenceNumber: seq,
		Timestamp:      uint32(now.Micros() / 1000),
		SSRC:           pkt.SSRC,
	}
	return pkt.Size.Add(ccunits.BytesSize(int64(h.MarshalSize())))
}

// priority computes the packet's dequeue priority from its kind and
// (for media) stream type, per spec's "audio > retransmission > video >
// padding" order. Probe packets inherit the priority of ordinary media
// of their stream type.
func (p Packet) priority() Priority {
	switch p.Kind {
	case KindRetransmit:
		return PriorityRetransmit
	case KindPadding:
		return PriorityPadding
	default: // KindMedia, KindProbe
		if p.StreamType == StreamAudio {
			return PriorityAudio
		}
		return PriorityVideo
	}
}

// ErrQueueOverflow is returned by Enqueue when the packet's FIFO is at
// its configured length.
var ErrQueueOverflow = errors.New("pacer: queue overflow")

// Transmitter is the pacer's downstream collaborator: it hands off an
// admitted packet with its assigned transport sequence number and send
// time, e.g. to a simulated network.
type Transmitter interface {
	Transmit(pkt Packet, seq uint16, sendTime ccunits.Timestamp)
}

// Config is the pacer's configuration surface, per spec section 6.
type Config struct {
	PacingFactor            float64          // default 2.5
	MaxPaddingRate          ccunits.DataRate // default 0 (disabled)
	QueueTimeLimit          ccunits.TimeDelta
	CongestionWindowEnabled bool
	MaxQueuePackets         int
}

// DefaultConfig returns spec's default pacer configuration.
func DefaultConfig() Config {
	return Config{
		PacingFactor:    2.5,
		QueueTimeLimit:  ccunits.MillisDelta(2000),
		MaxQueuePackets: 500,
	}
}

type queuedPacket struct {
	pkt      Packet
	enqueued ccunits.Timestamp
}

type fifoKey struct {
	priority Priority
	ssrc     uint32
}

// Pacer is the priority-queued, token-bucket metered packet router.
// Not safe for concurrent use; it's driven entirely from its own task
// queue tick.
type Pacer struct {
	cfg        Config
	clock      timecontroller.Controller
	adapter    *feedback.Adapter
	transmit   Transmitter
	cwndLookup func() (cwnd ccunits.DataSize, enabled bool)
	onStalled  func()

	queues      map[fifoKey][]queuedPacket
	streamOrder map[Priority][]uint32
	rrIndex     map[Priority]int

	targetRate   ccunits.DataRate
	budget       ccunits.DataSize
	lastSend     ccunits.Timestamp
	haveLastSend bool
	nextSeq      uint16

	cluster        *probe.ClusterConfig
	clusterPackets int
	clusterBytes   ccunits.DataSize
	onClusterDone  func(id uint32)

	handle *taskqueue.Handle
}

// New returns a Pacer. A lookup installed with SetCongestionWindowLookup
// is consulted on every admission attempt when
// cfg.CongestionWindowEnabled is set.
func New(cfg Config, clock timecontroller.Controller, adapter *feedback.Adapter, transmit Transmitter) *Pacer {
	return &Pacer{
		cfg:         cfg,
		clock:       clock,
		adapter:     adapter,
		transmit:    transmit,
		queues:      make(map[fifoKey][]queuedPacket),
		streamOrder: make(map[Priority][]uint32),
		rrIndex:     make(map[Priority]int),
	}
}

// SetCongestionWindowLookup installs the callback consulted for CWND
// admission gating.
func (p *Pacer) SetCongestionWindowLookup(f func() (ccunits.DataSize, bool)) {
	p.cwndLookup = f
}

// OnQueueStalled installs the callback run when a packet has waited
// longer than QueueTimeLimit, per spec's QueueStalled error kind.
func (p *Pacer) OnQueueStalled(f func()) {
	p.onStalled = f
}

// OnProbeClusterDone installs the callback run once an active probe
// cluster has emitted enough packets or bytes to be complete.
func (p *Pacer) OnProbeClusterDone(f func(id uint32)) {
	p.onClusterDone = f
}

// Start begins the pacer's 5ms tick on queue.
func (p *Pacer) Start(queue taskqueue.Queue) {
	p.handle = queue.PostRepeating(func() ccunits.TimeDelta {
		p.tick(p.clock.Now())
		return tickInterval
	})
}

// Stop cancels the pacer's tick.
func (p *Pacer) Stop() {
	p.handle.Cancel()
}

// LastSendTime returns the time of the most recent packet or padding
// emission, and whether the pacer has sent anything yet. It stays
// current even while the pacer is paused at a zero target rate, for
// ALR (application-limited-region) detection.
func (p *Pacer) LastSendTime() (ccunits.Timestamp, bool) {
	return p.lastSend, p.haveLastSend
}

// SetPacingRates installs the control handler's new target rate; the
// pacer's actual egress rate is pacing_factor * target, per spec 4.H.
func (p *Pacer) SetPacingRates(target ccunits.DataRate) {
	p.targetRate = target
}

// ExpectProbeCluster arms the pacer to raise its egress rate to the
// cluster's target and tag emitted packets with its id until it
// completes.
func (p *Pacer) ExpectProbeCluster(cfg probe.ClusterConfig) {
	c := cfg
	p.cluster = &c
	p.clusterPackets = 0
	p.clusterBytes = ccunits.ZeroSize()
}

// Enqueue admits pkt to its priority/stream FIFO, or returns
// ErrQueueOverflow if that FIFO is already at its configured length.
func (p *Pacer) Enqueue(pkt Packet, now ccunits.Timestamp) error {
	key := fifoKey{priority: pkt.priority(), ssrc: pkt.SSRC}
	if len(p.queues[key]) >= p.cfg.MaxQueuePackets {
		return ErrQueueOverflow
	}
	if _, ok := p.queues[key]; !ok {
		p.streamOrder[key.priority] = append(p.streamOrder[key.priority], pkt.SSRC)
	}
	p.queues[key] = append(p.queues[key], queuedPacket{pkt: pkt, enqueued: now})
	return nil
}

// admittedByCWND reports whether sending size more bytes right now
// would keep outstanding_data within the congestion window.
func (p *Pacer) admittedByCWND(size ccunits.DataSize) bool {
	if !p.cfg.CongestionWindowEnabled || p.cwndLookup == nil {
		return true
	}
	cwnd, enabled := p.cwndLookup()
	if !enabled {
		return true
	}
	return !cwnd.Less(p.adapter.OutstandingData().Add(size))
}

func (p *Pacer) tick(now ccunits.Timestamp) {
	p.checkStalled(now)

	if p.targetRate.IsFinite() && p.targetRate.Bps() == 0 {
		p.drainAudioOnly(now)
		return
	}

	rate := p.effectiveRate()
	p.budget = p.budget.Add(rate.TimesDelta(tickInterval))
	if maxBudget := rate.TimesDelta(budgetCap); !p.budget.Less(maxBudget) {
		p.budget = maxBudget
	}

	for {
		key, next, ok := p.peekNext()
		if !ok {
			break
		}
		wire := wireSize(next.pkt, p.nextSeq, now)
		if p.budget.Less(wire) {
			break // budget exhausted
		}
		if !p.admittedByCWND(wire) {
			break // CWND-gated; wait for feedback to clear bytes
		}
		p.dequeueAndSend(now, key, next)
	}

	p.pad(now)
}

// effectiveRate is the pacer's actual egress rate: the active probe
// cluster's target while one is pending, else pacing_factor * target.
func (p *Pacer) effectiveRate() ccunits.DataRate {
	if p.cluster != nil {
		return p.cluster.TargetRate
	}
	return p.targetRate.Scale(p.cfg.PacingFactor)
}

func (p *Pacer) drainAudioOnly(now ccunits.Timestamp) {
	for {
		order := p.streamOrder[PriorityAudio]
		if len(order) == 0 {
			return
		}
		idx := p.rrIndex[PriorityAudio] % len(order)
		ssrc := order[idx]
		key := fifoKey{priority: PriorityAudio, ssrc: ssrc}
		q := p.queues[key]
		if len(q) == 0 {
			p.removeStream(PriorityAudio, ssrc)
			continue
		}
		wire := wireSize(q[0].pkt, p.nextSeq, now)
		if !p.admittedByCWND(wire) {
			return
		}
		p.dequeueAndSend(now, key, q[0])
	}
}

// peekNext returns the next packet to send across all priorities in
// order, round-robining across streams within a priority level,
// without removing it from its queue. The returned fifoKey identifies
// exactly which stream's queue it came from.
func (p *Pacer) peekNext() (fifoKey, queuedPacket, bool) {
	for _, pr := range priorityOrder {
		order := p.streamOrder[pr]
		for i := 0; i < len(order); i++ {
			idx := (p.rrIndex[pr] + i) % len(order)
			key := fifoKey{priority: pr, ssrc: order[idx]}
			if q := p.queues[key]; len(q) > 0 {
				return key, q[0], true
			}
		}
	}
	return fifoKey{}, queuedPacket{}, false
}

func (p *Pacer) dequeueAndSend(now ccunits.Timestamp, key fifoKey, head queuedPacket) {
	order := p.streamOrder[key.priority]
	for i, ssrc := range order {
		if ssrc == key.ssrc {
			p.rrIndex[key.priority] = i + 1
			break
		}
	}
	p.sendOne(now, key, head)
	q := p.queues[key][1:]
	if len(q) == 0 {
		p.removeStream(key.priority, key.ssrc)
	} else {
		p.queues[key] = q
	}
	p.markSent(now)
}

func (p *Pacer) removeStream(pr Priority, ssrc uint32) {
	order := p.streamOrder[pr]
	for i, s := range order {
		if s == ssrc {
			p.streamOrder[pr] = append(order[:i], order[i+1:]...)
			break
		}
	}
	delete(p.queues, fifoKey{priority: pr, ssrc: ssrc})
}

func (p *Pacer) sendOne(now ccunits.Timestamp, key fifoKey, qp queuedPacket) {
	seq := p.nextSeq
	p.nextSeq++
	wire := wireSize(qp.pkt, seq, now)

	pacing := feedback.PacingInfo{}
	isProbe := qp.pkt.Kind == KindProbe
	if p.cluster != nil {
		pacing.HasProbeCluster = true
		pacing.ProbeClusterID = p.cluster.ID
		isProbe = true
	}

	p.adapter.AddPacket(key.ssrc, seq, wire, pacing, qp.pkt.Kind == KindRetransmit, isProbe)
	p.adapter.OnSentPacket(seq, now)
	p.budget = p.budget.Sub(wire)

	if p.cluster != nil {
		p.clusterPackets++
		p.clusterBytes = p.clusterBytes.Add(wire)
		if probe.ClusterComplete(*p.cluster, p.clusterPackets, p.clusterBytes) {
			id := p.cluster.ID
			p.cluster = nil
			if p.onClusterDone != nil {
				p.onClusterDone(id)
			}
		}
	}

	p.transmit.Transmit(qp.pkt, seq, now)
}

func (p *Pacer) markSent(now ccunits.Timestamp) {
	p.lastSend = now
	p.haveLastSend = true
}

// pad synthesizes padding packets once every real queue has drained, as
// long as the target rate is below MaxPaddingRate and budget remains.
func (p *Pacer) pad(now ccunits.Timestamp) {
	if p.cfg.MaxPaddingRate.Bps() == 0 {
		return
	}
	if !p.targetRate.IsFinite() || p.targetRate.Bps() >= p.cfg.MaxPaddingRate.Bps() {
		return
	}
	if _, _, ok := p.peekNext(); ok {
		return
	}
	for p.budget.Bytes() >= minPaddingSize {
		pad := Packet{Kind: KindPadding, Size: ccunits.BytesSize(minPaddingSize)}
		seq := p.nextSeq
		p.nextSeq++
		p.adapter.AddPacket(0, seq, pad.Size, feedback.PacingInfo{}, false, false)
		p.adapter.OnSentPacket(seq, now)
		p.budget = p.budget.Sub(pad.Size)
		p.transmit.Transmit(pad, seq, now)
		p.markSent(now)
	}
}

// checkStalled surfaces QueueStalled and flushes non-audio queues when
// the oldest queued packet has waited longer than QueueTimeLimit.
func (p *Pacer) checkStalled(now ccunits.Timestamp) {
	stalled := false
	for key, q := range p.queues {
		if key.priority == PriorityAudio || len(q) == 0 {
			continue
		}
		if !now.Sub(q[0].enqueued).Less(p.cfg.QueueTimeLimit) {
			stalled = true
		}
	}
	if !stalled {
		return
	}
	for key := range p.queues {
		if key.priority == PriorityAudio {
			continue
		}
		delete(p.queues, key)
	}
	for pr := range p.streamOrder {
		if pr == PriorityAudio {
			continue
		}
		p.streamOrder[pr] = nil
	}
	if p.onStalled != nil {
		p.onStalled()
	}
}
