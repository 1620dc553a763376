// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package netsim

import (
	"math"
	"math/rand"

	"github.com/heistp/ccsim/internal/ccunits"
)

// RandomWalkConfig configures a RandomWalkCrossTraffic generator, ported
// from webrtc's test::RandomWalkConfig.
type RandomWalkConfig struct {
	RandomSeed        int64
	PeakRate          ccunits.DataRate
	MinPacketSize     ccunits.DataSize
	MinPacketInterval ccunits.TimeDelta
	UpdateInterval    ccunits.TimeDelta
	Variance          float64
	Bias              float64
}

// DefaultRandomWalkConfig mirrors webrtc's RandomWalkConfig defaults.
func DefaultRandomWalkConfig() RandomWalkConfig {
	return RandomWalkConfig{
		RandomSeed:        1,
		PeakRate:          ccunits.KilobitsPerSec(100),
		MinPacketSize:     ccunits.BytesSize(200),
		MinPacketInterval: ccunits.MillisDelta(1),
		UpdateInterval:    ccunits.MillisDelta(200),
		Variance:          0.6,
		Bias:              -0.1,
	}
}

// RandomWalkCrossTraffic injects synthetic packets whose rate follows a
// clamped Gaussian random walk, ported from webrtc's
// RandomWalkCrossTraffic (test/scenario/network/cross_traffic.cc).
type RandomWalkCrossTraffic struct {
	cfg     RandomWalkConfig
	manager *Manager
	from    *Endpoint
	rng     *rand.Rand

	hasLastProcess bool
	lastProcess    ccunits.Timestamp
	hasLastUpdate  bool
	lastUpdate     ccunits.Timestamp
	hasLastSend    bool
	lastSend       ccunits.Timestamp

	intensity   float64
	pendingSize ccunits.DataSize

	nextSeq uint16
}

func newRandomWalkCrossTraffic(cfg RandomWalkConfig, m *Manager, from *Endpoint) *RandomWalkCrossTraffic {
	return &RandomWalkCrossTraffic{cfg: cfg, manager: m, from: from, rng: rand.New(rand.NewSource(cfg.RandomSeed))}
}

// TrafficRate returns the generator's current instantaneous sending
// rate.
func (t *RandomWalkCrossTraffic) TrafficRate() ccunits.DataRate {
	return t.cfg.PeakRate.Scale(t.intensity)
}

// Process advances the random walk and sends a packet if enough data has
// accumulated, mirroring RandomWalkCrossTraffic::Process.
func (t *RandomWalkCrossTraffic) Process(now ccunits.Timestamp) {
	if !t.hasLastProcess {
		t.hasLastProcess = true
		t.lastProcess = now
	}
	delta := now.Sub(t.lastProcess)
	t.lastProcess = now

	if !t.hasLastUpdate || now.Sub(t.lastUpdate).Micros() >= t.cfg.UpdateInterval.Micros() {
		elapsed := ccunits.ZeroDelta()
		if t.hasLastUpdate {
			elapsed = now.Sub(t.lastUpdate)
		}
		step := t.rng.NormFloat64()*t.cfg.Variance + t.cfg.Bias
		t.intensity += step * math.Sqrt(elapsed.Seconds())
		t.intensity = clamp01(t.intensity)
		t.hasLastUpdate = true
		t.lastUpdate = now
	}

	t.pendingSize = t.pendingSize.Add(t.TrafficRate().TimesDelta(delta))

	if t.pendingSize.Less(t.cfg.MinPacketSize) {
		return
	}
	if t.hasLastSend && now.Sub(t.lastSend).Micros() < t.cfg.MinPacketInterval.Micros() {
		return
	}

	t.send(now, t.pendingSize)
	t.pendingSize = ccunits.ZeroSize()
	t.hasLastSend = true
	t.lastSend = now
}

func (t *RandomWalkCrossTraffic) send(now ccunits.Timestamp, size ccunits.DataSize) {
	pkt := Packet{SendTime: now, Size: size, SequenceNumber: t.nextSeq}
	t.nextSeq++
	t.manager.Send(t.from, pkt)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PulsedPeaksConfig configures a PulsedPeaksCrossTraffic generator,
// ported from webrtc's test::PulsedPeaksConfig.
type PulsedPeaksConfig struct {
	PeakRate          ccunits.DataRate
	MinPacketSize     ccunits.DataSize
	MinPacketInterval ccunits.TimeDelta
	SendDuration      ccunits.TimeDelta
	HoldDuration      ccunits.TimeDelta
}

// DefaultPulsedPeaksConfig mirrors webrtc's PulsedPeaksConfig defaults.
func DefaultPulsedPeaksConfig() PulsedPeaksConfig {
	return PulsedPeaksConfig{
		PeakRate:          ccunits.KilobitsPerSec(100),
		MinPacketSize:     ccunits.BytesSize(200),
		MinPacketInterval: ccunits.MillisDelta(1),
		SendDuration:      ccunits.MillisDelta(100),
		HoldDuration:      ccunits.SecondsDelta(2),
	}
}

// PulsedPeaksCrossTraffic alternates between sending at PeakRate for
// SendDuration and being silent for HoldDuration, ported from webrtc's
// PulsedPeaksCrossTraffic.
type PulsedPeaksCrossTraffic struct {
	cfg     PulsedPeaksConfig
	manager *Manager
	from    *Endpoint

	hasLastUpdate bool
	lastUpdate    ccunits.Timestamp
	hasLastSend   bool
	lastSend      ccunits.Timestamp
	sending       bool

	nextSeq uint16
}

func newPulsedPeaksCrossTraffic(cfg PulsedPeaksConfig, m *Manager, from *Endpoint) *PulsedPeaksCrossTraffic {
	return &PulsedPeaksCrossTraffic{cfg: cfg, manager: m, from: from}
}

// TrafficRate returns PeakRate while sending, or zero while holding.
func (t *PulsedPeaksCrossTraffic) TrafficRate() ccunits.DataRate {
	if t.sending {
		return t.cfg.PeakRate
	}
	return ccunits.ZeroRate()
}

// Process toggles the send/hold cycle and sends packets while in the
// sending phase, mirroring PulsedPeaksCrossTraffic::Process.
func (t *PulsedPeaksCrossTraffic) Process(now ccunits.Timestamp) {
	var sinceToggle ccunits.TimeDelta
	if t.hasLastUpdate {
		sinceToggle = now.Sub(t.lastUpdate)
	} else {
		sinceToggle = ccunits.PlusInfinityDelta()
	}

	switch {
	case sinceToggle.IsPlusInfinite() || (t.sending && !sinceToggle.Less(t.cfg.SendDuration)):
		t.sending = false
		t.lastUpdate = now
		t.hasLastUpdate = true
	case !t.sending && !sinceToggle.Less(t.cfg.HoldDuration):
		t.sending = true
		t.lastUpdate = now
		t.hasLastUpdate = true
		t.lastSend = now
		t.hasLastSend = true
	}

	if !t.sending {
		return
	}

	pending := t.cfg.PeakRate.TimesDelta(now.Sub(t.lastSend))
	if pending.Less(t.cfg.MinPacketSize) {
		return
	}
	if t.hasLastSend && now.Sub(t.lastSend).Micros() < t.cfg.MinPacketInterval.Micros() {
		return
	}

	t.send(now, pending)
	t.lastSend = now
	t.hasLastSend = true
}

func (t *PulsedPeaksCrossTraffic) send(now ccunits.Timestamp, size ccunits.DataSize) {
	pkt := Packet{SendTime: now, Size: size, SequenceNumber: t.nextSeq}
	t.nextSeq++
	t.manager.Send(t.from, pkt)
}
