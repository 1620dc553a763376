// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package cwnd computes the congestion window that gates pacer admission,
// and tracks encoder overshoot against an ideal frame size.
package cwnd

import "github.com/heistp/ccsim/internal/ccunits"

var minCWND = ccunits.BytesSize(2 * 1200)

// Window computes CWND = min_rtt*target_rate + margin, the admission cap
// read by the pacer's congestion-window lookup callback. Adapted from
// heistp-scim's Flow.setCWND/Flow.cwndFromPacingRate (sender.go), which
// derives a byte window from a smoothed RTT and the current pacing rate
// and clamps it to a minimum of 2*MSS; generalized here from a fixed RTT
// smoothing constant to an injected minimum RTT and an explicit additional
// margin expressed as a time (cwnd_additional_time_ms).
type Window struct {
	additionalTime ccunits.TimeDelta
	enabled        bool

	minRTT ccunits.TimeDelta
	target ccunits.DataRate

	hasMinRTT bool
}

// NewWindow returns a Window. additionalTime is the margin, expressed as
// the extra time worth of target rate added to the min-RTT term
// (cwnd_additional_time_ms). If enabled is false, Cap always reports
// unbounded and SetTargetRate/OnRTT are no-ops other than bookkeeping.
func NewWindow(additionalTime ccunits.TimeDelta, enabled bool) *Window {
	return &Window{additionalTime: additionalTime, enabled: enabled}
}

// OnRTT records an observed round-trip time, tracking the minimum seen.
func (w *Window) OnRTT(rtt ccunits.TimeDelta) {
	if !w.hasMinRTT || rtt.Less(w.minRTT) {
		w.minRTT = rtt
		w.hasMinRTT = true
	}
}

// SetTargetRate updates the rate the window is sized against.
func (w *Window) SetTargetRate(target ccunits.DataRate) {
	w.target = target
}

// Cap returns the current congestion window and whether it's meaningful.
// It reports ok=false until an RTT sample is available, or if the window
// is disabled. With no target rate set, the window is the minCWND floor.
func (w *Window) Cap() (size ccunits.DataSize, ok bool) {
	if !w.enabled || !w.hasMinRTT {
		return ccunits.DataSize{}, false
	}
	margin := w.target.TimesDelta(w.additionalTime)
	cap := w.target.TimesDelta(w.minRTT).Add(margin)
	if cap.Less(minCWND) {
		cap = minCWND
	}
	return cap, true
}

// Backoff reports whether outstanding data exceeds the current window,
// the signal the estimator uses to back off its target rate.
func (w *Window) Backoff(outstanding ccunits.DataSize) bool {
	cap, ok := w.Cap()
	if !ok {
		return false
	}
	return cap.Less(outstanding)
}

// bitrateUpdate is one frame's utilization factor, timestamped for
// sliding-window eviction.
type bitrateUpdate struct {
	utilizationFactor float64
	at                ccunits.Timestamp
}

// OvershootDetector tracks how far encoded frame sizes run over the ideal
// frame size implied by the current target rate and frame rate, charging
// overshoot against a virtual buffer so a single oversized frame isn't
// penalized more than once. Ported from webrtc's
// EncoderOvershootDetector (video/encoder_overshoot_detector.{h,cc}),
// adapted from int64 millisecond/bit bookkeeping to ccunits.Timestamp and
// a bits-as-int64 buffer level.
type OvershootDetector struct {
	windowSize ccunits.TimeDelta

	hasLastUpdate bool
	lastUpdate    ccunits.Timestamp

	updates    []bitrateUpdate
	sumFactors float64

	targetBitrate   ccunits.DataRate
	targetFramerate float64

	bufferLevelBits int64
}

// NewOvershootDetector returns a detector with the given sliding-window
// size.
func NewOvershootDetector(windowSize ccunits.TimeDelta) *OvershootDetector {
	return &OvershootDetector{windowSize: windowSize}
}

// SetTargetRate updates the target bitrate and frame rate the detector
// measures overshoot against, first leaking the buffer according to the
// previous rate (or resetting state, if the stream was just enabled).
func (d *OvershootDetector) SetTargetRate(target ccunits.DataRate, targetFramerateFps float64, now ccunits.Timestamp) {
	if !isZeroRate(d.targetBitrate) {
		d.leakBits(now)
	} else if !isZeroRate(target) {
		d.hasLastUpdate = true
		d.lastUpdate = now
		d.updates = nil
		d.sumFactors = 0
		d.bufferLevelBits = 0
	}
	d.targetBitrate = target
	d.targetFramerate = targetFramerateFps
}

// OnEncodedFrame records one encoded frame's size.
func (d *OvershootDetector) OnEncodedFrame(size ccunits.DataSize, now ccunits.Timestamp) {
	d.leakBits(now)

	ideal := d.idealFrameSizeBits()
	if ideal == 0 {
		return
	}

	bits := size.Bytes() * 8
	bitsum := bits + d.bufferLevelBits
	var overshootBits int64
	if bitsum > ideal {
		overshootBits = bitsum - ideal
		if overshootBits > d.bufferLevelBits {
			overshootBits = d.bufferLevelBits
		}
	}

	var factor float64
	if len(d.updates) == 0 {
		factor = float64(bits) / float64(ideal)
		if factor < 1.0 {
			factor = 1.0
		}
	} else {
		factor = 1.0 + float64(overshootBits)/float64(ideal)
	}
	d.updates = append(d.updates, bitrateUpdate{utilizationFactor: factor, at: now})
	d.sumFactors += factor

	d.bufferLevelBits -= overshootBits
	d.bufferLevelBits += bits
}

// UtilizationFactor returns the mean utilization factor over the sliding
// window, or ok=false if no frames fall within it.
func (d *OvershootDetector) UtilizationFactor(now ccunits.Timestamp) (factor float64, ok bool) {
	d.evict(now)
	if len(d.updates) == 0 {
		return 0, false
	}
	return d.sumFactors / float64(len(d.updates)), true
}

func (d *OvershootDetector) evict(now ccunits.Timestamp) {
	i := 0
	for i < len(d.updates) && d.windowSize.Less(now.Sub(d.updates[i].at)) {
		if d.sumFactors -= d.updates[i].utilizationFactor; d.sumFactors < 0 {
			d.sumFactors = 0
		}
		i++
	}
	d.updates = d.updates[i:]
}

// Reset clears all state back to its zero value.
func (d *OvershootDetector) Reset() {
	d.hasLastUpdate = false
	d.updates = nil
	d.sumFactors = 0
	d.targetBitrate = ccunits.ZeroRate()
	d.targetFramerate = 0
	d.bufferLevelBits = 0
}

func (d *OvershootDetector) idealFrameSizeBits() int64 {
	if d.targetFramerate <= 0 || isZeroRate(d.targetBitrate) {
		return 0
	}
	return int64((float64(d.targetBitrate.Bps()) + d.targetFramerate/2) / d.targetFramerate)
}

func (d *OvershootDetector) leakBits(now ccunits.Timestamp) {
	if d.hasLastUpdate && !isZeroRate(d.targetBitrate) {
		delta := now.Sub(d.lastUpdate)
		leaked := (d.targetBitrate.Bps() * delta.Millis()) / 1000
		if leaked > d.bufferLevelBits {
			leaked = d.bufferLevelBits
		}
		d.bufferLevelBits -= leaked
	}
	d.hasLastUpdate = true
	d.lastUpdate = now
}

// isZeroRate reports whether r is the zero rate, without panicking on an
// infinite rate.
func isZeroRate(r ccunits.DataRate) bool {
	return r.IsFinite() && r.Bps() == 0
}
