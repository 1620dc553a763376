// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package probe

import (
	"testing"

	"github.com/heistp/ccsim/internal/ccunits"
)

func TestStartInitialProbingUsesConfiguredMultipliers(t *testing.T) {
	c := NewController(Config{}, ccunits.KilobitsPerSec(5000))
	clusters := c.StartInitialProbing(ccunits.KilobitsPerSec(300))
	if len(clusters) != 2 {
		t.Fatalf("len(clusters) = %d, want 2", len(clusters))
	}
	if clusters[0].TargetRate.Bps() != ccunits.KilobitsPerSec(900).Bps() {
		t.Fatalf("clusters[0].TargetRate = %v, want 900kbps (3x)", clusters[0].TargetRate)
	}
	if clusters[1].TargetRate.Bps() != ccunits.KilobitsPerSec(1800).Bps() {
		t.Fatalf("clusters[1].TargetRate = %v, want 1800kbps (6x)", clusters[1].TargetRate)
	}
	if c.State() != WaitingAfterFirstProbing {
		t.Fatalf("state = %v, want WaitingAfterFirstProbing", c.State())
	}
	if clusters[0].MinProbes != defaultMinProbes {
		t.Fatalf("MinProbes = %d, want %d", clusters[0].MinProbes, defaultMinProbes)
	}
}

func TestOnClusterCompleteContinuesExponentialProbingBelowMax(t *testing.T) {
	c := NewController(Config{}, ccunits.KilobitsPerSec(5000))
	c.StartInitialProbing(ccunits.KilobitsPerSec(300))

	next := c.OnClusterComplete(ccunits.KilobitsPerSec(900))
	if next == nil {
		t.Fatal("expected another cluster below max_bitrate")
	}
	if c.State() != Probing {
		t.Fatalf("state = %v, want Probing after scheduling next cluster", c.State())
	}
	if next.TargetRate.Bps() != ccunits.KilobitsPerSec(1800).Bps() {
		t.Fatalf("next.TargetRate = %v, want 1800kbps (2x measured)", next.TargetRate)
	}
}

func TestOnClusterCompleteStopsAtMax(t *testing.T) {
	c := NewController(Config{}, ccunits.KilobitsPerSec(1000))
	c.StartInitialProbing(ccunits.KilobitsPerSec(300))

	next := c.OnClusterComplete(ccunits.KilobitsPerSec(1000))
	if next != nil {
		t.Fatal("expected no further probing once measured rate reaches max_bitrate")
	}
	if c.State() != ProbingComplete {
		t.Fatalf("state = %v, want ProbingComplete", c.State())
	}
}

func TestClusterCompleteByPacketsOrBytes(t *testing.T) {
	cfg := ClusterConfig{MinProbes: 5, MinBytes: ccunits.BytesSize(10000)}
	if ClusterComplete(cfg, 4, ccunits.BytesSize(0)) {
		t.Fatal("should not be complete below both thresholds")
	}
	if !ClusterComplete(cfg, 5, ccunits.BytesSize(0)) {
		t.Fatal("should be complete once packet threshold met")
	}
	if !ClusterComplete(cfg, 0, ccunits.BytesSize(10000)) {
		t.Fatal("should be complete once byte threshold met")
	}
}

func TestAlrProbingTriggersAfterSustainedIdle(t *testing.T) {
	c := NewController(Config{AlrProbingEnabled: true}, ccunits.KilobitsPerSec(5000))
	now := ccunits.TimestampZero()
	target := ccunits.KilobitsPerSec(1000)
	acked := ccunits.KilobitsPerSec(200)

	if cl := c.OnTargetUpdate(now, target, acked); cl != nil {
		t.Fatal("should not probe immediately")
	}
	now = now.Add(ccunits.SecondsDelta(11))
	cl := c.OnTargetUpdate(now, target, acked)
	if cl == nil {
		t.Fatal("expected ALR probe after sustained below-target idle")
	}
}

func TestAlrProbingDisabledNeverTriggers(t *testing.T) {
	c := NewController(Config{AlrProbingEnabled: false}, ccunits.KilobitsPerSec(5000))
	now := ccunits.TimestampZero()
	target := ccunits.KilobitsPerSec(1000)
	acked := ccunits.KilobitsPerSec(200)

	c.OnTargetUpdate(now, target, acked)
	now = now.Add(ccunits.SecondsDelta(20))
	if cl := c.OnTargetUpdate(now, target, acked); cl != nil {
		t.Fatal("ALR probing disabled should never trigger a cluster")
	}
}

func TestExplicitProbeOnBitrateConstraintChange(t *testing.T) {
	c := NewController(Config{}, ccunits.KilobitsPerSec(5000))
	now := ccunits.TimestampZero()
	c.OnTargetUpdate(now, ccunits.KilobitsPerSec(300), ccunits.KilobitsPerSec(300))
	cl := c.OnTargetUpdate(now, ccunits.KilobitsPerSec(1000), ccunits.KilobitsPerSec(1000))
	if cl == nil {
		t.Fatal("expected explicit probe when target more than doubles")
	}
}
