// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"fmt"

	"github.com/heistp/ccsim/internal/bwe"
	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/netsim"
)

// CapacityStep changes the forward link's capacity partway through a run,
// for scenarios that exercise a capacity drop and recovery.
type CapacityStep struct {
	At       ccunits.TimeDelta
	Capacity ccunits.DataRate
}

// Scenario is one fixed, reproducible network condition a World is run
// against, paired with a pass/fail Check against the resulting samples.
type Scenario struct {
	Name string

	Link          netsim.Config
	CapacitySteps []CapacityStep
	CrossTraffic  *netsim.PulsedPeaksConfig

	Estimator bwe.Config
	Duration  ccunits.TimeDelta

	Check func(r *Result) error
}

// Sample is one observed TargetTransferRate, timestamped relative to the
// run's start.
type Sample struct {
	At     ccunits.TimeDelta
	Target ccunits.DataRate
	RTT    ccunits.TimeDelta
	Loss   float64
}

// Result is everything a scenario run collected for its Check to inspect.
type Result struct {
	Samples       []Sample
	QueueStalls   int
	PacketsLost   int
	PacketsSent   int
	DurationRatio float64 // wall time / simulated time, reported for curiosity
}

// finalTarget returns the last observed target rate, or the zero rate if
// nothing was ever observed.
func (r *Result) finalTarget() ccunits.DataRate {
	if len(r.Samples) == 0 {
		return ccunits.ZeroRate()
	}
	return r.Samples[len(r.Samples)-1].Target
}

// targetNear returns the target rate from the sample closest to, but not
// after, elapsed time t, and whether any sample that early exists.
func (r *Result) targetNear(t ccunits.TimeDelta) (ccunits.DataRate, bool) {
	var best ccunits.DataRate
	found := false
	for _, s := range r.Samples {
		if s.At.Micros() > t.Micros() {
			break
		}
		best = s.Target
		found = true
	}
	return best, found
}

// minMaxTargetAfter returns the min and max target rate observed at or
// after elapsed time t.
func (r *Result) minMaxTargetAfter(t ccunits.TimeDelta) (min, max ccunits.DataRate, ok bool) {
	for _, s := range r.Samples {
		if s.At.Micros() < t.Micros() {
			continue
		}
		if !ok {
			min, max, ok = s.Target, s.Target, true
			continue
		}
		min = min.Min(s.Target)
		max = max.Max(s.Target)
	}
	return
}

// kbps is a small formatting convenience for error messages.
func kbps(r ccunits.DataRate) float64 { return r.Kbps() }

// Scenarios are spec's six concrete testable-property scenarios, each
// pairing a network condition with the range or timing bound a correct
// implementation must land inside. Scenario 3's bound on sustained
// Overusing detection isn't checked directly here: Estimator exposes no
// accessor for the delay-based detector's internal classification, so
// the check instead leans on the one externally observable consequence
// of persistent overuse bouncing the trendline detector -- a target rate
// that never recovers above a sane floor -- which is what spec actually
// cares about at the controller's boundary.
var Scenarios = []Scenario{
	{
		Name: "steady-500kbit-noloss",
		Link: netsim.Config{
			LinkCapacity: ccunits.KilobitsPerSec(500),
			QueueDelay:   ccunits.MillisDelta(100),
			RandomSeed:   1,
		},
		Estimator: bwe.Config{
			MinBitrate:   ccunits.KilobitsPerSec(50),
			StartBitrate: ccunits.KilobitsPerSec(300),
			MaxBitrate:   ccunits.MegabitsPerSec(1),
		},
		Duration: ccunits.SecondsDelta(30),
		Check: func(r *Result) error {
			final := r.finalTarget()
			if kbps(final) < 400 || kbps(final) > 520 {
				return fmt.Errorf("final target %.0f kbit/s, want [400, 520]", kbps(final))
			}
			if r.QueueStalls > 0 {
				return fmt.Errorf("got %d queue stalls, want 0", r.QueueStalls)
			}
			return nil
		},
	},
	{
		Name: "1mbit-2pct-loss",
		Link: netsim.Config{
			LinkCapacity:       ccunits.MegabitsPerSec(1),
			QueueDelay:         ccunits.MillisDelta(50),
			LossPercent:        2,
			AvgBurstLossLength: -1,
			RandomSeed:         2,
		},
		Estimator: bwe.Config{
			MinBitrate:   ccunits.KilobitsPerSec(50),
			StartBitrate: ccunits.KilobitsPerSec(300),
			MaxBitrate:   ccunits.MegabitsPerSec(1),
		},
		Duration: ccunits.SecondsDelta(30),
		Check: func(r *Result) error {
			final := r.finalTarget()
			if kbps(final) < 700 || kbps(final) > 1000 {
				return fmt.Errorf("final target %.0f kbit/s, want [700, 1000]", kbps(final))
			}
			if _, min, ok := minMax3(r); ok && kbps(min) < 500 {
				return fmt.Errorf("target dropped to %.0f kbit/s in the last 10s, want >= 500 (loss-based floor)", kbps(min))
			}
			return nil
		},
	},
	{
		Name: "1mbit-jitter",
		Link: netsim.Config{
			LinkCapacity: ccunits.MegabitsPerSec(1),
			QueueDelay:   ccunits.MillisDelta(100),
			DelayStdDev:  ccunits.MillisDelta(20),
			RandomSeed:   3,
		},
		Estimator: bwe.Config{
			MinBitrate:   ccunits.KilobitsPerSec(50),
			StartBitrate: ccunits.KilobitsPerSec(300),
			MaxBitrate:   ccunits.MegabitsPerSec(1),
		},
		Duration: ccunits.SecondsDelta(30),
		Check: func(r *Result) error {
			final := r.finalTarget()
			if kbps(final) < 600 {
				return fmt.Errorf("final target %.0f kbit/s, want >= 600 despite jitter", kbps(final))
			}
			return nil
		},
	},
	{
		Name: "capacity-step-down-and-back",
		Link: netsim.Config{
			LinkCapacity: ccunits.MegabitsPerSec(1),
			QueueDelay:   ccunits.MillisDelta(50),
			RandomSeed:   4,
		},
		CapacitySteps: []CapacityStep{
			{At: ccunits.SecondsDelta(10), Capacity: ccunits.KilobitsPerSec(300)},
			{At: ccunits.SecondsDelta(25), Capacity: ccunits.MegabitsPerSec(1)},
		},
		Estimator: bwe.Config{
			MinBitrate:   ccunits.KilobitsPerSec(50),
			StartBitrate: ccunits.KilobitsPerSec(500),
			MaxBitrate:   ccunits.MegabitsPerSec(1),
		},
		Duration: ccunits.SecondsDelta(35),
		Check: func(r *Result) error {
			if t, ok := r.targetNear(ccunits.SecondsDelta(12)); ok && kbps(t) > 400 {
				return fmt.Errorf("target %.0f kbit/s at t=12s, want <= 400 within 2s of the capacity drop", kbps(t))
			}
			if t, ok := r.targetNear(ccunits.SecondsDelta(30)); ok && kbps(t) < 800 {
				return fmt.Errorf("target %.0f kbit/s at t=30s, want >= 800 within 5s of the capacity recovery", kbps(t))
			}
			return nil
		},
	},
	{
		Name: "initial-probing",
		Link: netsim.Config{
			LinkCapacity: ccunits.MegabitsPerSec(2),
			QueueDelay:   ccunits.MillisDelta(20),
			RandomSeed:   5,
		},
		Estimator: bwe.Config{
			MinBitrate:   ccunits.KilobitsPerSec(50),
			StartBitrate: ccunits.KilobitsPerSec(300),
			MaxBitrate:   ccunits.MegabitsPerSec(2),
		},
		Duration: ccunits.SecondsDelta(2),
		Check: func(r *Result) error {
			t, ok := r.targetNear(ccunits.MillisDelta(500))
			if !ok {
				return fmt.Errorf("no observer sample within the first 500ms")
			}
			if kbps(t) <= 700 {
				return fmt.Errorf("target %.0f kbit/s at t=500ms, want > 700 (initial probing should have completed)", kbps(t))
			}
			return nil
		},
	},
	{
		Name: "5mbit-pulsed-cross-traffic",
		Link: netsim.Config{
			LinkCapacity: ccunits.MegabitsPerSec(5),
			QueueDelay:   ccunits.MillisDelta(20),
			RandomSeed:   6,
		},
		CrossTraffic: &netsim.PulsedPeaksConfig{
			PeakRate:          ccunits.MegabitsPerSec(1),
			MinPacketSize:     ccunits.BytesSize(200),
			MinPacketInterval: ccunits.MillisDelta(1),
			SendDuration:      ccunits.MillisDelta(500),
			HoldDuration:      ccunits.MillisDelta(250),
		},
		Estimator: bwe.Config{
			MinBitrate:   ccunits.KilobitsPerSec(50),
			StartBitrate: ccunits.KilobitsPerSec(500),
			MaxBitrate:   ccunits.MegabitsPerSec(5),
		},
		Duration: ccunits.SecondsDelta(60),
		Check: func(r *Result) error {
			min, max, ok := r.minMaxTargetAfter(ccunits.SecondsDelta(5))
			if !ok {
				return fmt.Errorf("no samples after the 5s settling period")
			}
			if kbps(max) > 5000 {
				return fmt.Errorf("target peaked at %.0f kbit/s, want <= 5000", kbps(max))
			}
			if kbps(min) < 2000 {
				return fmt.Errorf("target dropped to %.0f kbit/s, want >= 2000", kbps(min))
			}
			return nil
		},
	},
}

// minMax3 returns the max/min target observed in the run's final 10
// seconds, for scenario 2's "loss-based floor" check.
func minMax3(r *Result) (max, min ccunits.DataRate, ok bool) {
	if len(r.Samples) == 0 {
		return
	}
	last := r.Samples[len(r.Samples)-1].At
	from := ccunits.SecondsDelta(last.Seconds() - 10)
	min, max, ok = r.minMaxTargetAfter(from)
	return
}
