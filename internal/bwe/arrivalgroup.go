// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package bwe

import "github.com/heistp/ccsim/internal/ccunits"

const arrivalGroupMaxSpan = 5 // ms

type arrivalGroup struct {
	firstSendTime ccunits.Timestamp
	lastSendTime  ccunits.Timestamp
	firstArrival  ccunits.Timestamp
	lastArrival   ccunits.Timestamp
	size          ccunits.DataSize
	packets       int
}

func (g *arrivalGroup) belongs(sendTime ccunits.Timestamp) bool {
	span := sendTime.Sub(g.firstSendTime).Millis()
	return span < arrivalGroupMaxSpan
}

func (g *arrivalGroup) add(sendTime, arrival ccunits.Timestamp, size ccunits.DataSize) {
	if g.size.Bytes() == 0 {
		g.firstSendTime = sendTime
		g.firstArrival = arrival
	}
	g.lastSendTime = sendTime
	g.lastArrival = arrival
	g.size = g.size.Add(size)
	g.packets++
}

// DelayBased groups packet arrivals into arrival-time groups and drives
// a TrendlineFilter + AimdRateController pair from their delay
// variation.
type DelayBased struct {
	current *arrivalGroup
	prev    *arrivalGroup
	filter  *TrendlineFilter
	aimd    *AimdRateController
}

// NewDelayBased returns a DelayBased estimator starting at startRate.
func NewDelayBased(startRate ccunits.DataRate) *DelayBased {
	return &DelayBased{
		filter: NewTrendlineFilter(),
		aimd:   NewAimdRateController(startRate),
	}
}

// Estimate returns the current delay-based rate estimate.
func (d *DelayBased) Estimate() ccunits.DataRate {
	return d.aimd.Estimate()
}

// OnPacketArrival feeds one received packet's send/arrival time into the
// arrival-time grouping. It returns the new estimate and whether a
// completed group was fed to the trendline filter (and so the estimate
// may have changed). The first completed group has no predecessor to
// compare against, so it only becomes the reference and reports false.
func (d *DelayBased) OnPacketArrival(sendTime, arrivalTime ccunits.Timestamp, size ccunits.DataSize, ackedRate ccunits.DataRate) (ccunits.DataRate, bool) {
	if d.current == nil {
		d.current = &arrivalGroup{}
	}
	if d.current.size.Bytes() == 0 || d.current.belongs(sendTime) {
		d.current.add(sendTime, arrivalTime, size)
		return d.aimd.Estimate(), false
	}

	completed := d.current
	d.current = &arrivalGroup{}
	d.current.add(sendTime, arrivalTime, size)

	if d.prev == nil {
		d.prev = completed
		return d.aimd.Estimate(), false
	}

	interArrival := completed.firstArrival.Sub(d.prev.lastArrival)
	interDeparture := completed.firstSendTime.Sub(d.prev.lastSendTime)
	delayVariationMs := float64(interArrival.Micros()-interDeparture.Micros()) / 1000
	nowMs := float64(arrivalTime.Micros()) / 1000

	usage := d.filter.Update(delayVariationMs, nowMs)
	estimate := d.aimd.Update(usage, ackedRate, completed.packets, completed.size)
	d.prev = completed
	return estimate, true
}

// OverrideEstimate jumps the AIMD controller's estimate directly to
// rate, used when a probe result exceeds the current delay-based
// estimate.
func (d *DelayBased) OverrideEstimate(rate ccunits.DataRate) {
	d.aimd.SetEstimate(rate)
}
