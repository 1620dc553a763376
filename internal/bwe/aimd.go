// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bwe

import "github.com/heistp/ccsim/internal/ccunits"

const (
	increaseMultiplicative = 1.08
	increaseAdditiveFactor = 0.5
	decreaseBeta           = 0.85
	// closeToEstimateFactor bounds how far the current estimate may be
	// above the acknowledged rate before the controller switches from
	// multiplicative to additive increase, to avoid overshooting the
	// network's real capacity once the estimate is already close to it.
	closeToEstimateFactor = 1.5
)

// AimdRateController is a 3-state (Increase/Hold/Decrease) rate
// controller driven by the TrendlineFilter's BandwidthUsage
// classification.
type AimdRateController struct {
	estimate ccunits.DataRate
}

// NewAimdRateController returns a controller starting at startRate.
func NewAimdRateController(startRate ccunits.DataRate) *AimdRateController {
	return &AimdRateController{estimate: startRate}
}

// Estimate returns the controller's current estimate.
func (a *AimdRateController) Estimate() ccunits.DataRate {
	return a.estimate
}

// SetEstimate overrides the estimate directly, used for probe results.
func (a *AimdRateController) SetEstimate(rate ccunits.DataRate) {
	a.estimate = rate
}

// Update advances the controller by one arrival-time group's usage
// classification and returns the new estimate. packets and groupSize
// are the packet count and total size of the group that triggered this
// update, used for the additive-increase term's average packet size.
func (a *AimdRateController) Update(usage BandwidthUsage, ackedRate ccunits.DataRate, packets int, groupSize ccunits.DataSize) ccunits.DataRate {
	switch usage {
	case Normal:
		a.increase(ackedRate, packets, groupSize)
	case Underusing:
		// hold: no change
	case Overusing:
		a.decrease(ackedRate)
	}
	return a.estimate
}

func (a *AimdRateController) increase(ackedRate ccunits.DataRate, packets int, groupSize ccunits.DataSize) {
	if !ackedRate.IsFinite() || ackedRate.Bps() == 0 {
		a.estimate = a.estimate.Scale(increaseMultiplicative)
		return
	}
	if a.estimate.Bps() < int64(float64(ackedRate.Bps())*closeToEstimateFactor) {
		// below closeToEstimateFactor x the acknowledged rate: catch up fast.
		a.estimate = a.estimate.Scale(increaseMultiplicative)
		return
	}
	// at or above closeToEstimateFactor x the acknowledged rate: slow,
	// additive approach.
	packetsPerInterval := maxf(float64(packets), 1)
	avgPacketBits := float64(groupSize.Bytes()*8) / packetsPerInterval
	additiveBits := increaseAdditiveFactor * packetsPerInterval * avgPacketBits
	a.estimate = ccunits.BitsPerSec(a.estimate.Bps() + int64(additiveBits))
}

func (a *AimdRateController) decrease(ackedRate ccunits.DataRate) {
	if !ackedRate.IsFinite() || ackedRate.Bps() == 0 {
		a.estimate = a.estimate.Scale(decreaseBeta)
		return
	}
	a.estimate = ackedRate.Scale(decreaseBeta)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
