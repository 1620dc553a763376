// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package pacer

import (
	"testing"

	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/feedback"
	"github.com/heistp/ccsim/internal/probe"
	"github.com/heistp/ccsim/internal/timecontroller"
)

type recordedSend struct {
	pkt Packet
	seq uint16
	at  ccunits.Timestamp
}

type fakeTransmitter struct {
	sent []recordedSend
}

func (f *fakeTransmitter) Transmit(pkt Packet, seq uint16, at ccunits.Timestamp) {
	f.sent = append(f.sent, recordedSend{pkt: pkt, seq: seq, at: at})
}

func newTestPacer(cfg Config) (*Pacer, *timecontroller.SimulatedController, *fakeTransmitter) {
	clock := timecontroller.NewSimulatedController(ccunits.TimestampZero())
	adapter := feedback.NewAdapter()
	tx := &fakeTransmitter{}
	p := New(cfg, clock, adapter, tx)
	queue := clock.CreateTaskQueue("pacer")
	p.Start(queue)
	return p, clock, tx
}

func TestPriorityOrderDrainsAudioBeforeVideo(t *testing.T) {
	cfg := DefaultConfig()
	p, clock, tx := newTestPacer(cfg)
	p.SetPacingRates(ccunits.KilobitsPerSec(10000))

	now := clock.Now()
	p.Enqueue(Packet{SSRC: 2, Kind: KindMedia, StreamType: StreamVideo, Size: ccunits.BytesSize(1200)}, now)
	p.Enqueue(Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamAudio, Size: ccunits.BytesSize(200)}, now)

	clock.RunFor(ccunits.MillisDelta(10))

	if len(tx.sent) < 2 {
		t.Fatalf("len(sent) = %d, want at least 2", len(tx.sent))
	}
	if tx.sent[0].pkt.StreamType != StreamAudio {
		t.Fatalf("first sent packet stream = %v, want audio", tx.sent[0].pkt.StreamType)
	}
}

func TestQueueOverflowRejectsPastLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueuePackets = 2
	p, clock, _ := newTestPacer(cfg)
	// no pacing rate set: target rate is zero, so video packets queue up
	// without being drained.
	now := clock.Now()
	pkt := Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamVideo, Size: ccunits.BytesSize(1200)}
	if err := p.Enqueue(pkt, now); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := p.Enqueue(pkt, now); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if err := p.Enqueue(pkt, now); err != ErrQueueOverflow {
		t.Fatalf("Enqueue 3 err = %v, want ErrQueueOverflow", err)
	}
}

func TestZeroTargetRatePausesNonAudio(t *testing.T) {
	p, clock, tx := newTestPacer(DefaultConfig())
	// target rate starts at zero (never configured).
	now := clock.Now()
	p.Enqueue(Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamVideo, Size: ccunits.BytesSize(1200)}, now)
	clock.RunFor(ccunits.MillisDelta(50))
	if len(tx.sent) != 0 {
		t.Fatalf("video sent while target rate is zero: %d packets", len(tx.sent))
	}

	p.Enqueue(Packet{SSRC: 2, Kind: KindMedia, StreamType: StreamAudio, Size: ccunits.BytesSize(160)}, clock.Now())
	clock.RunFor(ccunits.MillisDelta(10))
	if len(tx.sent) != 1 {
		t.Fatalf("len(sent) = %d, want 1 (audio still flows at zero target rate)", len(tx.sent))
	}
}

func TestProbeClusterTagsAndCompletesAfterMinProbes(t *testing.T) {
	cfg := DefaultConfig()
	p, clock, tx := newTestPacer(cfg)
	p.SetPacingRates(ccunits.KilobitsPerSec(100))

	var completedID uint32
	var completed bool
	p.OnProbeClusterDone(func(id uint32) {
		completedID = id
		completed = true
	})

	cluster := probe.ClusterConfig{
		ID:         7,
		TargetRate: ccunits.KilobitsPerSec(2000),
		MinProbes:  3,
		MinBytes:   ccunits.BytesSize(1 << 30), // unreachable, force packet-count completion
	}
	p.ExpectProbeCluster(cluster)

	now := clock.Now()
	for i := 0; i < 5; i++ {
		p.Enqueue(Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamVideo, Size: ccunits.BytesSize(200)}, now)
	}
	clock.RunFor(ccunits.MillisDelta(20))

	if !completed {
		t.Fatal("expected probe cluster to complete")
	}
	if completedID != 7 {
		t.Fatalf("completedID = %d, want 7", completedID)
	}
	tagged := 0
	for _, rec := range p.adapter.records {
		if rec.PacingInfo.HasProbeCluster && rec.PacingInfo.ProbeClusterID == 7 {
			tagged++
		}
	}
	if tagged < 3 {
		t.Fatalf("tagged = %d, want at least MinProbes=3 packets tagged with cluster 7", tagged)
	}
}

func TestQueueStalledFlushesNonAudioQueues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueTimeLimit = ccunits.MillisDelta(50)
	p, clock, _ := newTestPacer(cfg)
	// target rate zero so the video queue never drains on its own.
	p.Enqueue(Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamVideo, Size: ccunits.BytesSize(1200)}, clock.Now())

	var stalled bool
	p.OnQueueStalled(func() { stalled = true })

	clock.RunFor(ccunits.MillisDelta(60))
	if !stalled {
		t.Fatal("expected QueueStalled to fire")
	}
	if len(p.queues) != 0 {
		t.Fatalf("len(queues) = %d, want 0 after stall flush", len(p.queues))
	}
}

func TestCongestionWindowGatesAdmission(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CongestionWindowEnabled = true
	p, clock, tx := newTestPacer(cfg)
	p.SetPacingRates(ccunits.KilobitsPerSec(10000))
	p.SetCongestionWindowLookup(func() (ccunits.DataSize, bool) {
		return ccunits.BytesSize(100), true // smaller than any queued packet
	})

	p.Enqueue(Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamVideo, Size: ccunits.BytesSize(1200)}, clock.Now())
	clock.RunFor(ccunits.MillisDelta(20))

	if len(tx.sent) != 0 {
		t.Fatalf("len(sent) = %d, want 0 with CWND smaller than packet size", len(tx.sent))
	}
}

func TestCongestionWindowGatesAudioAtZeroTargetRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CongestionWindowEnabled = true
	p, clock, tx := newTestPacer(cfg)
	// target rate stays at zero: the pacer takes the drainAudioOnly path.
	p.SetCongestionWindowLookup(func() (ccunits.DataSize, bool) {
		return ccunits.BytesSize(1), true // smaller than any queued packet
	})

	p.Enqueue(Packet{SSRC: 1, Kind: KindMedia, StreamType: StreamAudio, Size: ccunits.BytesSize(160)}, clock.Now())
	clock.RunFor(ccunits.MillisDelta(20))

	if len(tx.sent) != 0 {
		t.Fatalf("len(sent) = %d, want 0: audio should stay CWND-gated even at zero target rate", len(tx.sent))
	}
}
