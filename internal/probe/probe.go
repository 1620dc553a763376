// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package probe implements the probe controller state machine: it
// decides when to inject probe bursts and at what cluster rates, and
// hands a sequence of ClusterConfig values to the pacer.
package probe

import "github.com/heistp/ccsim/internal/ccunits"

// State is one of the probe controller's states.
type State int

const (
	Init State = iota
	WaitingAfterFirstProbing
	Probing
	ProbingComplete
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case WaitingAfterFirstProbing:
		return "WaitingAfterFirstProbing"
	case Probing:
		return "Probing"
	case ProbingComplete:
		return "ProbingComplete"
	default:
		return "Unknown"
	}
}

// defaultMinProbes matches spec's ProbeClusterConfig{min_probes=5, ...};
// min_bytes is derived from the cluster's own target rate and
// probeDuration so a cluster carries enough bytes to be measurable.
const (
	defaultMinProbes  = 5
	exponentialFactor = 2.0
)

var (
	probeDuration    = ccunits.MillisDelta(15)
	alrIdleThreshold = ccunits.SecondsDelta(10)
)

// ClusterConfig is a probe burst the controller hands to the pacer.
type ClusterConfig struct {
	ID         uint32
	TargetRate ccunits.DataRate
	MinProbes  int
	MinBytes   ccunits.DataSize
}

// ClusterComplete reports whether a cluster has emitted enough packets
// or bytes to be considered complete. Shared verbatim by the pacer so
// both sides of the boundary agree on what "complete" means.
func ClusterComplete(cfg ClusterConfig, emittedPackets int, emittedBytes ccunits.DataSize) bool {
	return emittedPackets >= cfg.MinProbes || !emittedBytes.Less(cfg.MinBytes)
}

// Config is the probe controller's configuration surface.
type Config struct {
	InitialMultipliers []float64 // default [3, 6]
	AlrProbingEnabled  bool
}

// Controller runs the Init -> WaitingAfterFirstProbing -> Probing ->
// ProbingComplete state machine, plus independent ALR-probing tracking.
type Controller struct {
	cfg Config

	state  State
	nextID uint32

	maxBitrate   ccunits.DataRate
	lastAcked    ccunits.DataRate
	lastTarget   ccunits.DataRate
	hasTarget    bool
	belowSince   ccunits.Timestamp
	belowPending bool
	alrActive    bool
}

// NewController returns a controller for maxBitrate, the ceiling above
// which exponential probing stops.
func NewController(cfg Config, maxBitrate ccunits.DataRate) *Controller {
	if len(cfg.InitialMultipliers) == 0 {
		cfg.InitialMultipliers = []float64{3, 6}
	}
	return &Controller{
		cfg:        cfg,
		state:      Init,
		maxBitrate: maxBitrate,
	}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

// StartInitialProbing returns the initial sequence of probe clusters at
// stream start, per spec's probe_initial_multipliers (default [3, 6] of
// start bitrate). Must be called once, before any packets are sent.
func (c *Controller) StartInitialProbing(startBitrate ccunits.DataRate) []ClusterConfig {
	var clusters []ClusterConfig
	for _, m := range c.cfg.InitialMultipliers {
		clusters = append(clusters, c.newCluster(startBitrate.Scale(m)))
	}
	c.state = WaitingAfterFirstProbing
	return clusters
}

func (c *Controller) newCluster(target ccunits.DataRate) ClusterConfig {
	id := c.nextID
	c.nextID++
	minBytes := target.TimesDelta(probeDuration)
	c.state = Probing
	return ClusterConfig{
		ID:         id,
		TargetRate: target,
		MinProbes:  defaultMinProbes,
		MinBytes:   minBytes,
	}
}

// OnClusterComplete returns the next exponential probe cluster, leaving
// the controller in Probing, if the acknowledged rate still leaves room
// below max_bitrate; otherwise it moves to ProbingComplete and returns
// nil.
func (c *Controller) OnClusterComplete(measuredRate ccunits.DataRate) *ClusterConfig {
	c.lastAcked = measuredRate
	c.state = ProbingComplete
	if !measuredRate.IsFinite() || measuredRate.Bps() >= c.maxBitrate.Bps() {
		return nil
	}
	cl := c.newCluster(measuredRate.Scale(exponentialFactor).Min(c.maxBitrate.Scale(exponentialFactor)))
	return &cl
}

// OnTargetUpdate feeds the controller the latest published target rate
// and acknowledged-rate estimate so it can track application-limited
// idle time for ALR probing, and detect bitrate-constraint changes that
// warrant an explicit probe.
//
// now is the current controller time. It returns a cluster to probe
// with if one should start now, or nil.
func (c *Controller) OnTargetUpdate(now ccunits.Timestamp, target, ackedRate ccunits.DataRate) *ClusterConfig {
	prevTarget := c.lastTarget
	hadTarget := c.hasTarget
	c.lastTarget = target
	c.hasTarget = true

	if c.cfg.AlrProbingEnabled {
		if ackedRate.IsFinite() && target.IsFinite() && ackedRate.Bps() < target.Bps() {
			if !c.belowPending {
				c.belowPending = true
				c.belowSince = now
			}
		} else {
			c.belowPending = false
			c.alrActive = false
		}

		if c.belowPending && !c.alrActive && !now.Sub(c.belowSince).Less(alrIdleThreshold) {
			c.alrActive = true
			cl := c.newCluster(target)
			return &cl
		}
	}

	// explicit probe on a bitrate-constraint change (e.g. max_bitrate
	// raised or start reconfigured upward mid-stream), independent of
	// ALR probing.
	if hadTarget && prevTarget.IsFinite() && target.IsFinite() && target.Bps() > prevTarget.Bps()*2 {
		cl := c.newCluster(target.Scale(exponentialFactor))
		return &cl
	}

	return nil
}
