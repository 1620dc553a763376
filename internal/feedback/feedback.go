// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package feedback correlates packets handed to the pacer with the
// transport-wide feedback reports a receiver sends back, producing
// ordered per-packet outcomes for the bandwidth estimator, probe
// controller and congestion window to consume.
package feedback

import (
	"errors"
	"sort"

	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/twccwire"
)

// maxHistoryAge and maxHistoryCount bound the adapter's sent-packet
// table: a record is evicted once it exceeds either limit, whichever
// comes first.
var maxHistoryAge = ccunits.SecondsDelta(60)

const maxHistoryCount = 60000

// ErrUnknownPacket is returned when on-sent or feedback refers to a
// sequence number the adapter never recorded, or has since evicted.
var ErrUnknownPacket = errors.New("feedback: unknown packet")

// ErrFeedbackOutOfOrder is returned when a feedback report's base
// sequence precedes the oldest sequence still in the adapter's window.
// The whole batch is dropped.
var ErrFeedbackOutOfOrder = errors.New("feedback: base sequence precedes current window")

// PacingInfo carries the pacer's own bookkeeping for a packet, echoed
// back unchanged in its outcome so the bandwidth estimator can tell a
// probe-tagged packet apart from ordinary traffic.
type PacingInfo struct {
	HasProbeCluster bool
	ProbeClusterID  uint32
}

// SentPacketRecord is a packet the adapter is tracking, from the moment
// it's handed to the pacer until its outcome is delivered or it's
// evicted.
type SentPacketRecord struct {
	SequenceNumber   uint16
	ExtendedSequence uint32
	SSRC             uint32
	Size             ccunits.DataSize
	SendTime         ccunits.Timestamp
	Sent             bool
	PacingInfo       PacingInfo
	IsRetransmit     bool
	IsProbe          bool
}

// PacketOutcome is a sent packet's fate as reported by feedback:
// Received false means the packet is declared lost.
type PacketOutcome struct {
	Sent        SentPacketRecord
	Received    bool
	ReceiveTime ccunits.Timestamp
}

// FeedbackBatch is one feedback report's worth of outcomes, in
// receive-time order (lost packets slot in at their send-time position).
type FeedbackBatch struct {
	FeedbackTime  ccunits.Timestamp
	Outcomes      []PacketOutcome
	PriorInFlight ccunits.DataSize
	DataInFlight  ccunits.DataSize
}

// Adapter is the transport feedback adapter. It is not safe for
// concurrent use; callers run it on a single serial queue, per the
// concurrency model the rest of the controller follows.
type Adapter struct {
	records map[uint32]*SentPacketRecord
	order   []uint32 // extended sequences, oldest (send order) first

	outstanding ccunits.DataSize
	sendExt     twccwire.SequenceExtender

	localNetworkID, remoteNetworkID uint32
	networkIDsSet                   bool

	UnknownPacketCount      int
	FeedbackOutOfOrderCount int
}

// NewAdapter returns an empty Adapter.
func NewAdapter() *Adapter {
	return &Adapter{records: make(map[uint32]*SentPacketRecord)}
}

// AddPacket records a packet about to be paced. Calls must happen in the
// order the pacer assigns sequence numbers, since this is what anchors
// the adapter's sequence-wrap extension.
func (a *Adapter) AddPacket(ssrc uint32, seq uint16, size ccunits.DataSize, pacing PacingInfo, isRetransmit, isProbe bool) {
	ext := a.sendExt.Extend(seq)
	rec := &SentPacketRecord{
		SequenceNumber:   seq,
		ExtendedSequence: ext,
		SSRC:             ssrc,
		Size:             size,
		PacingInfo:       pacing,
		IsRetransmit:     isRetransmit,
		IsProbe:          isProbe,
	}
	a.records[ext] = rec
	a.order = append(a.order, ext)
}

// OnSentPacket attaches the actual send time to a previously added
// packet and adds its size to outstanding_data.
func (a *Adapter) OnSentPacket(seq uint16, sendTime ccunits.Timestamp) error {
	ext := a.sendExt.Peek(seq)
	rec, ok := a.records[ext]
	if !ok {
		a.UnknownPacketCount++
		return ErrUnknownPacket
	}
	rec.SendTime = sendTime
	rec.Sent = true
	a.outstanding = a.outstanding.Add(rec.Size)
	a.evict(sendTime)
	return nil
}

// OutstandingData returns the sum of sizes of sent packets with no
// outcome yet.
func (a *Adapter) OutstandingData() ccunits.DataSize {
	return a.outstanding
}

// OnFeedback matches a parsed feedback report's per-packet statuses
// against the sent-packet table, starting at baseSeq, and returns the
// resulting batch. statuses must be the result of twccwire.Parse on the
// same report.
func (a *Adapter) OnFeedback(statuses []twccwire.PacketStatus, baseSeq uint16, feedbackTime ccunits.Timestamp) (FeedbackBatch, error) {
	extBase := a.sendExt.Peek(baseSeq)
	if len(a.order) > 0 && extBase < a.order[0] {
		a.FeedbackOutOfOrderCount++
		return FeedbackBatch{}, ErrFeedbackOutOfOrder
	}

	times := receiveTimesFromFeedbackTime(statuses, feedbackTime)
	batch := FeedbackBatch{FeedbackTime: feedbackTime, PriorInFlight: a.outstanding}

	for i, st := range statuses {
		ext := extBase + uint32(i)
		rec, ok := a.records[ext]
		if !ok {
			a.UnknownPacketCount++
			continue
		}
		oc := PacketOutcome{Sent: *rec}
		if st.Received {
			oc.Received = true
			oc.ReceiveTime = times[i]
		}
		batch.Outcomes = append(batch.Outcomes, oc)

		delete(a.records, ext)
		a.removeFromOrder(ext)
		if rec.Sent {
			a.outstanding = a.outstanding.Sub(rec.Size)
		}
	}

	sort.SliceStable(batch.Outcomes, func(i, j int) bool {
		return outcomeOrderKey(batch.Outcomes[i]).Before(outcomeOrderKey(batch.Outcomes[j]))
	})
	batch.DataInFlight = a.outstanding
	a.evict(feedbackTime)
	return batch, nil
}

// SetNetworkIDs updates the adapter's local/remote network id pair. When
// either changes (or this is the first call), all state is reset and
// packets still outstanding are surfaced as losses in a single batch,
// with ok reporting whether a reset actually happened.
func (a *Adapter) SetNetworkIDs(local, remote uint32, now ccunits.Timestamp) (batch FeedbackBatch, ok bool) {
	if a.networkIDsSet && a.localNetworkID == local && a.remoteNetworkID == remote {
		return FeedbackBatch{}, false
	}

	var orphaned []PacketOutcome
	for _, ext := range a.order {
		rec, found := a.records[ext]
		if !found || !rec.Sent {
			continue
		}
		orphaned = append(orphaned, PacketOutcome{Sent: *rec, Received: false})
	}

	batch = FeedbackBatch{
		FeedbackTime:  now,
		Outcomes:      orphaned,
		PriorInFlight: a.outstanding,
		DataInFlight:  ccunits.ZeroSize(),
	}

	a.records = make(map[uint32]*SentPacketRecord)
	a.order = nil
	a.outstanding = ccunits.ZeroSize()
	a.sendExt = twccwire.SequenceExtender{}
	a.localNetworkID, a.remoteNetworkID = local, remote
	a.networkIDsSet = true
	return batch, true
}

func (a *Adapter) evict(now ccunits.Timestamp) {
	for len(a.order) > 0 {
		oldest := a.order[0]
		rec, ok := a.records[oldest]
		if !ok {
			a.order = a.order[1:]
			continue
		}
		tooOld := rec.Sent && !now.Sub(rec.SendTime).Less(maxHistoryAge)
		tooMany := len(a.order) > maxHistoryCount
		if !tooOld && !tooMany {
			break
		}
		delete(a.records, oldest)
		a.order = a.order[1:]
		if rec.Sent {
			a.outstanding = a.outstanding.Sub(rec.Size)
		}
	}
}

func (a *Adapter) removeFromOrder(ext uint32) {
	for i, e := range a.order {
		if e == ext {
			a.order = append(a.order[:i], a.order[i+1:]...)
			return
		}
	}
}

func outcomeOrderKey(oc PacketOutcome) ccunits.Timestamp {
	if oc.Received {
		return oc.ReceiveTime
	}
	return oc.Sent.SendTime
}

// receiveTimesFromFeedbackTime reconstructs each received packet's
// absolute receive time from the chain of deltas twccwire.Parse returns,
// anchored so the last received packet in the report lands exactly at
// feedbackTime (the instant this report itself was received).
func receiveTimesFromFeedbackTime(statuses []twccwire.PacketStatus, feedbackTime ccunits.Timestamp) []ccunits.Timestamp {
	times := make([]ccunits.Timestamp, len(statuses))
	cumulative := make([]ccunits.TimeDelta, len(statuses))
	running := ccunits.ZeroDelta()
	last := -1
	for i, s := range statuses {
		if !s.Received {
			continue
		}
		if last < 0 {
			running = ccunits.ZeroDelta()
		} else {
			running = running.Add(s.Delta)
		}
		cumulative[i] = running
		last = i
	}
	if last < 0 {
		return times
	}
	anchor := cumulative[last]
	for i, s := range statuses {
		if !s.Received {
			continue
		}
		times[i] = feedbackTime.Add(cumulative[i].Sub(anchor))
	}
	return times
}
