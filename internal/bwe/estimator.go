// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bwe

import (
	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/feedback"
)

// Config is the configuration surface this estimator needs.
type Config struct {
	MinBitrate      ccunits.DataRate
	StartBitrate    ccunits.DataRate
	MaxBitrate      ccunits.DataRate
	ProcessInterval ccunits.TimeDelta
}

// DefaultProcessInterval is the default process_interval_ms.
var DefaultProcessInterval = ccunits.MillisDelta(25)

// TargetTransferRate is the value the control handler publishes to its
// observer.
type TargetTransferRate struct {
	AtTime       ccunits.Timestamp
	Target       ccunits.DataRate
	StableTarget ccunits.DataRate
	Bandwidth    ccunits.DataRate
	RTT          ccunits.TimeDelta
	LossFraction float64
}

// Estimator composes the delay-based, loss-based and probe-based
// estimators into a single target-rate funnel, rate-limited to at most
// one emission per process interval and deduplicated when nothing
// observable changed.
type Estimator struct {
	cfg   Config
	delay *DelayBased
	loss  *LossBased
	probe *ProbeMerger
	acked *AckedBitrateEstimator

	lastEmitTime ccunits.Timestamp
	lastEmitted  TargetTransferRate
	hasEmitted   bool
}

// NewEstimator returns an Estimator seeded at cfg.StartBitrate.
func NewEstimator(cfg Config) *Estimator {
	if cfg.ProcessInterval.Micros() == 0 {
		cfg.ProcessInterval = DefaultProcessInterval
	}
	return &Estimator{
		cfg:   cfg,
		delay: NewDelayBased(cfg.StartBitrate),
		loss:  NewLossBased(cfg.MaxBitrate),
		probe: NewProbeMerger(),
		acked: NewAckedBitrateEstimator(),
	}
}

// ExpectProbeCluster registers an in-flight probe cluster so its
// acknowledgments are tracked toward completion.
func (e *Estimator) ExpectProbeCluster(clusterID uint32, minProbes int) {
	e.probe.ExpectCluster(clusterID, minProbes)
}

// AckedRate returns the current rolling-window throughput estimate, for
// callers (the probe controller, the congestion window's backoff signal)
// that need the acknowledged rate outside of an OnFeedback call.
func (e *Estimator) AckedRate(now ccunits.Timestamp) ccunits.DataRate {
	return e.acked.Rate(now)
}

// OnFeedback applies one feedback batch and returns the resulting
// TargetTransferRate along with whether it should actually be emitted
// to the observer (process-interval gating and change deduplication
// both happen here).
func (e *Estimator) OnFeedback(batch feedback.FeedbackBatch, rtt ccunits.TimeDelta) (TargetTransferRate, bool) {
	for _, oc := range batch.Outcomes {
		if !oc.Received {
			continue
		}
		e.acked.OnReceived(oc.ReceiveTime, oc.Sent.Size)
		ackedRate := e.acked.Rate(oc.ReceiveTime)

		e.delay.OnPacketArrival(oc.Sent.SendTime, oc.ReceiveTime, oc.Sent.Size, ackedRate)
		if result := e.probe.OnOutcome(oc); result != nil && e.delay.Estimate().Less(result.Rate) {
			e.delay.OverrideEstimate(result.Rate)
		}
	}

	e.loss.OnFeedback(batch.Outcomes, batch.FeedbackTime)
	delayEstimate := e.delay.Estimate()
	ceiling := e.loss.Ceiling(batch.FeedbackTime, delayEstimate)
	target := delayEstimate.Min(ceiling).Clamp(e.cfg.MinBitrate, e.cfg.MaxBitrate)

	candidate := TargetTransferRate{
		AtTime:       batch.FeedbackTime,
		Target:       target,
		StableTarget: target,
		Bandwidth:    delayEstimate,
		RTT:          rtt,
		LossFraction: e.loss.LastFraction(),
	}

	if e.hasEmitted && batch.FeedbackTime.Sub(e.lastEmitTime).Less(e.cfg.ProcessInterval) {
		return e.lastEmitted, false
	}
	if e.hasEmitted && unchanged(candidate, e.lastEmitted) {
		e.lastEmitTime = batch.FeedbackTime
		return e.lastEmitted, false
	}

	e.lastEmitTime = batch.FeedbackTime
	e.lastEmitted = candidate
	e.hasEmitted = true
	return candidate, true
}

func unchanged(a, b TargetTransferRate) bool {
	return a.Target.Bps() == b.Target.Bps() && a.RTT.Micros() == b.RTT.Micros() && a.LossFraction == b.LossFraction
}
