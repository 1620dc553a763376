// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bwe

import "github.com/heistp/ccsim/internal/ccunits"

var ackedRateWindow = ccunits.SecondsDelta(0.5)

type ackedSample struct {
	at   ccunits.Timestamp
	size ccunits.DataSize
}

// AckedBitrateEstimator is a rolling-window throughput estimator over
// received bytes, the acked-rate input the AIMD controller's increase
// and decrease formulas reference. The time-indexed sample window is
// adapted from heistp-scim's per-flow bytesWindow/bytesSample
// (sender.go), generalized from a fixed transmit-window accounting
// structure to a simple receive-throughput tracker.
type AckedBitrateEstimator struct {
	samples []ackedSample
}

// NewAckedBitrateEstimator returns an empty estimator.
func NewAckedBitrateEstimator() *AckedBitrateEstimator {
	return &AckedBitrateEstimator{}
}

// OnReceived records a received packet's size at its receive time.
func (a *AckedBitrateEstimator) OnReceived(at ccunits.Timestamp, size ccunits.DataSize) {
	a.samples = append(a.samples, ackedSample{at: at, size: size})
	a.evict(at)
}

func (a *AckedBitrateEstimator) evict(now ccunits.Timestamp) {
	i := 0
	for i < len(a.samples) && !now.Sub(a.samples[i].at).Less(ackedRateWindow) {
		i++
	}
	a.samples = a.samples[i:]
}

// Rate returns the estimated throughput as of now, or a zero rate if
// there's not enough history yet.
func (a *AckedBitrateEstimator) Rate(now ccunits.Timestamp) ccunits.DataRate {
	a.evict(now)
	if len(a.samples) < 2 {
		return ccunits.ZeroRate()
	}
	var total ccunits.DataSize
	for _, s := range a.samples {
		total = total.Add(s.size)
	}
	span := now.Sub(a.samples[0].at)
	if span.Micros() <= 0 {
		return ccunits.ZeroRate()
	}
	return total.DividedByDelta(span)
}
