// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bwe

import (
	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/feedback"
)

// ProbeResult is a completed probe cluster's measured rate.
type ProbeResult struct {
	ClusterID uint32
	Rate      ccunits.DataRate
}

type probeAccum struct {
	minProbes int
	count     int
	bytes     ccunits.DataSize
	firstSend ccunits.Timestamp
	lastRecv  ccunits.Timestamp
	done      bool
}

// ProbeMerger accumulates acknowledged probe packets per cluster and
// produces a ProbeResult once a cluster has minProbes received packets.
// The spacing of those packets is not checked: the rate is the cluster's
// acknowledged bytes over the span from its first send time to its last
// receive time.
type ProbeMerger struct {
	clusters map[uint32]*probeAccum
}

// NewProbeMerger returns an empty ProbeMerger.
func NewProbeMerger() *ProbeMerger {
	return &ProbeMerger{clusters: make(map[uint32]*probeAccum)}
}

// ExpectCluster registers a cluster id the pacer is about to tag packets
// with, along with the minimum acknowledged packets required before its
// rate is trusted.
func (m *ProbeMerger) ExpectCluster(clusterID uint32, minProbes int) {
	m.clusters[clusterID] = &probeAccum{minProbes: minProbes}
}

// OnOutcome feeds one packet outcome in. If it completes a probe
// cluster, the cluster's measured rate is returned.
func (m *ProbeMerger) OnOutcome(oc feedback.PacketOutcome) *ProbeResult {
	if !oc.Sent.PacingInfo.HasProbeCluster || !oc.Received {
		return nil
	}
	acc, ok := m.clusters[oc.Sent.PacingInfo.ProbeClusterID]
	if !ok || acc.done {
		return nil
	}
	if acc.count == 0 {
		acc.firstSend = oc.Sent.SendTime
	}
	acc.count++
	acc.bytes = acc.bytes.Add(oc.Sent.Size)
	acc.lastRecv = oc.ReceiveTime

	if acc.count < acc.minProbes {
		return nil
	}
	acc.done = true
	span := acc.lastRecv.Sub(acc.firstSend)
	if span.Micros() <= 0 {
		return nil
	}
	return &ProbeResult{
		ClusterID: oc.Sent.PacingInfo.ProbeClusterID,
		Rate:      acc.bytes.DividedByDelta(span),
	}
}
