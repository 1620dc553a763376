// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package controller implements the control handler: the single owner of
// the rate-update funnel that ties the bandwidth estimator, probe
// controller, congestion window and pacer together, and publishes
// TargetTransferRate updates to an observer without ever blocking the
// worker queue that drives it.
package controller

import (
	"errors"

	"github.com/pion/rtcp"

	"github.com/heistp/ccsim/internal/bwe"
	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/cwnd"
	"github.com/heistp/ccsim/internal/feedback"
	"github.com/heistp/ccsim/internal/pacer"
	"github.com/heistp/ccsim/internal/probe"
	"github.com/heistp/ccsim/internal/taskqueue"
	"github.com/heistp/ccsim/internal/timecontroller"
	"github.com/heistp/ccsim/internal/twccwire"
)

// rttAlpha is the RTT EWMA smoothing factor, matching RFC 6298 as used by
// heistp-scim's Flow.updateRTT (sender.go).
const rttAlpha = 0.125

// ErrConfigInvalid is returned by NewHandler when min/start/max bitrates
// aren't ordered min <= start <= max, per spec's ConfigInvalid error
// kind: fatal to the constructor.
var ErrConfigInvalid = errors.New("controller: min_bitrate <= start_bitrate <= max_bitrate required")

// Config is the control handler's configuration surface, spanning the
// subset of spec section 6 it owns directly.
type Config struct {
	Estimator          bwe.Config
	Probe              probe.Config
	CWNDEnabled        bool
	CWNDAdditionalTime ccunits.TimeDelta // default 100ms (cwnd_additional_time_ms)
	FrameRateFps       float64           // default DefaultFrameRateFps
}

// DefaultCWNDAdditionalTime is spec's cwnd_additional_time_ms default.
var DefaultCWNDAdditionalTime = ccunits.MillisDelta(100)

// DefaultFrameRateFps is the frame rate the overshoot detector measures
// an ideal frame size against, when Config.FrameRateFps is left zero.
const DefaultFrameRateFps = 50.0

// overshootWindow is the sliding window the encoder overshoot detector
// averages utilization factor over.
var overshootWindow = ccunits.SecondsDelta(1)

// Handler is the control handler: it owns the estimator, probe
// controller and congestion window, and drives the pacer's rates. All
// its state mutations happen on the worker queue it's constructed with;
// the observer callback runs on a separate queue and must not block.
type Handler struct {
	clock  timecontroller.Controller
	worker taskqueue.Queue
	app    taskqueue.Queue

	adapter *feedback.Adapter
	pacer   *pacer.Pacer

	estimator *bwe.Estimator
	probe     *probe.Controller
	window    *cwnd.Window
	overshoot *cwnd.OvershootDetector

	frameRateFps float64

	observer func(bwe.TargetTransferRate)

	pendingInitial []probe.ClusterConfig
	probingActive  bool

	hasRTT bool
	rtt    ccunits.TimeDelta

	lastTarget ccunits.DataRate
	lastLoss   float64
}

// NewHandler returns a Handler wired to pacer p and feedback adapter
// adapter, driven by worker and publishing to app. It returns
// ErrConfigInvalid if cfg.Estimator's bitrates aren't correctly ordered.
func NewHandler(cfg Config, clock timecontroller.Controller, worker, app taskqueue.Queue, adapter *feedback.Adapter, p *pacer.Pacer) (*Handler, error) {
	e := cfg.Estimator
	if e.MinBitrate.Bps() > e.StartBitrate.Bps() || e.StartBitrate.Bps() > e.MaxBitrate.Bps() {
		return nil, ErrConfigInvalid
	}
	if cfg.CWNDAdditionalTime.Micros() == 0 {
		cfg.CWNDAdditionalTime = DefaultCWNDAdditionalTime
	}
	if cfg.FrameRateFps == 0 {
		cfg.FrameRateFps = DefaultFrameRateFps
	}

	h := &Handler{
		clock:        clock,
		worker:       worker,
		app:          app,
		adapter:      adapter,
		pacer:        p,
		estimator:    bwe.NewEstimator(cfg.Estimator),
		probe:        probe.NewController(cfg.Probe, cfg.Estimator.MaxBitrate),
		window:       cwnd.NewWindow(cfg.CWNDAdditionalTime, cfg.CWNDEnabled),
		overshoot:    cwnd.NewOvershootDetector(overshootWindow),
		frameRateFps: cfg.FrameRateFps,
	}
	p.SetCongestionWindowLookup(h.window.Cap)
	p.OnProbeClusterDone(h.onProbeClusterDone)
	return h, nil
}

// SetObserver installs the callback invoked with each emitted
// TargetTransferRate, run on the application queue.
func (h *Handler) SetObserver(f func(bwe.TargetTransferRate)) {
	h.observer = f
}

// Start arms the initial probing sequence at startBitrate (spec's
// probe_initial_multipliers) and must be called once, before any
// feedback arrives.
func (h *Handler) Start(startBitrate ccunits.DataRate) {
	h.worker.Post(func() {
		h.pendingInitial = h.probe.StartInitialProbing(startBitrate)
		h.armNextInitialCluster()
	})
}

func (h *Handler) armNextInitialCluster() {
	if h.probingActive || len(h.pendingInitial) == 0 {
		return
	}
	cl := h.pendingInitial[0]
	h.pendingInitial = h.pendingInitial[1:]
	h.startCluster(cl)
}

func (h *Handler) startCluster(cl probe.ClusterConfig) {
	h.probingActive = true
	h.pacer.ExpectProbeCluster(cl)
	h.estimator.ExpectProbeCluster(cl.ID, cl.MinProbes)
}

// onProbeClusterDone runs on the pacer's call, which is itself on the
// worker queue (the pacer's tick), so no further posting is needed here.
func (h *Handler) onProbeClusterDone(id uint32) {
	_ = id
	measured := h.estimator.AckedRate(h.clock.Now())
	h.probingActive = false
	if next := h.probe.OnClusterComplete(measured); next != nil {
		h.startCluster(*next)
		return
	}
	h.armNextInitialCluster()
}

// OnTransportFeedback parses a TWCC report and applies it, posted onto
// the worker queue.
func (h *Handler) OnTransportFeedback(tcc *rtcp.TransportLayerCC, now ccunits.Timestamp) {
	h.worker.Post(func() {
		statuses, err := twccwire.Parse(tcc)
		if err != nil {
			return
		}
		batch, err := h.adapter.OnFeedback(statuses, tcc.BaseSequenceNumber, now)
		if err != nil {
			return
		}
		h.applyBatch(batch)
	})
}

// SetNetworkIDs updates the feedback adapter's network-id pair, posted
// onto the worker queue. Per spec's NetworkIdReset, a change surfaces
// outstanding packets as a single batch of losses rather than being
// treated as an error.
func (h *Handler) SetNetworkIDs(local, remote uint32, now ccunits.Timestamp) {
	h.worker.Post(func() {
		if batch, ok := h.adapter.SetNetworkIDs(local, remote, now); ok {
			h.applyBatch(batch)
		}
	})
}

// OnEncodedFrame records one encoded media frame's size against the
// overshoot detector, posted onto the worker queue alongside every other
// state mutation.
func (h *Handler) OnEncodedFrame(size ccunits.DataSize, now ccunits.Timestamp) {
	h.worker.Post(func() {
		h.overshoot.OnEncodedFrame(size, now)
	})
}

func (h *Handler) applyBatch(batch feedback.FeedbackBatch) {
	if rtt, ok := latestRTT(batch); ok {
		h.updateRTT(rtt)
	}

	target, emit := h.estimator.OnFeedback(batch, h.rtt)
	ackedRate := h.estimator.AckedRate(batch.FeedbackTime)

	h.window.SetTargetRate(target.Target)
	h.window.OnRTT(h.rtt)
	if h.window.Backoff(h.adapter.OutstandingData()) && ackedRate.IsFinite() && ackedRate.Bps() > 0 {
		// Congestion window backoff signal to the estimator: don't let
		// the published target outrun what's actually being delivered.
		target.Target = target.Target.Min(ackedRate)
		target.StableTarget = target.StableTarget.Min(ackedRate)
	}

	h.overshoot.SetTargetRate(target.Target, h.frameRateFps, batch.FeedbackTime)
	if factor, ok := h.overshoot.UtilizationFactor(batch.FeedbackTime); ok && factor > 1.0 {
		// encoded frames are running over the ideal size implied by the
		// published target: pull the actually-paced rate back down so a
		// sustained overshoot doesn't compound into queueing delay.
		target.Target = target.Target.Scale(1 / factor)
		target.StableTarget = target.StableTarget.Scale(1 / factor)
	}

	h.pacer.SetPacingRates(target.Target)
	h.lastTarget = target.Target
	h.lastLoss = target.LossFraction

	if !h.probingActive {
		if cl := h.probe.OnTargetUpdate(batch.FeedbackTime, target.Target, ackedRate); cl != nil {
			h.startCluster(*cl)
		}
	}

	if emit && h.observer != nil {
		obs := h.observer
		h.app.Post(func() { obs(target) })
	}
}

func (h *Handler) updateRTT(sample ccunits.TimeDelta) {
	if !h.hasRTT {
		h.rtt = sample
		h.hasRTT = true
		return
	}
	h.rtt = ccunits.SecondsDelta(rttAlpha*sample.Seconds() + (1-rttAlpha)*h.rtt.Seconds())
}

// latestRTT derives a round-trip sample from the last received outcome
// in a batch (outcomes are in receive-time order), the way
// heistp-scim's Flow.updateRTT computes rtt as now - pkt.Sent from the
// packet an ACK refers to.
func latestRTT(batch feedback.FeedbackBatch) (ccunits.TimeDelta, bool) {
	for i := len(batch.Outcomes) - 1; i >= 0; i-- {
		oc := batch.Outcomes[i]
		if oc.Received {
			return batch.FeedbackTime.Sub(oc.Sent.SendTime), true
		}
	}
	return ccunits.ZeroDelta(), false
}
