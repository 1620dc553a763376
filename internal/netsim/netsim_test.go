// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package netsim

import (
	"net"
	"testing"

	"github.com/heistp/ccsim/internal/ccunits"
)

func TestNetworkUnconstrainedCapacityDeliversWithoutJitter(t *testing.T) {
	n := NewNetwork(Config{})
	now := ccunits.TimestampZero()
	if !n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100)}) {
		t.Fatal("Enqueue should succeed")
	}

	out := n.DequeueDeliverable(now)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Lost {
		t.Fatal("packet should not be lost with no loss configured")
	}
	if out[0].Arrival.Sub(now).Micros() != 0 {
		t.Fatalf("Arrival = %v, want == send time with zero jitter", out[0].Arrival)
	}
}

func TestNetworkDrainsAtConfiguredCapacity(t *testing.T) {
	n := NewNetwork(Config{LinkCapacity: ccunits.BitsPerSec(800_000)}) // 100 bytes/ms
	now := ccunits.TimestampZero()
	// 988 bytes of payload plus a 12 byte RTP header = 1000 bytes on the
	// wire = 8000 bits, needs 10ms to drain at 800kbps.
	n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(988)})

	if out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(5))); len(out) != 0 {
		t.Fatalf("len(out) = %d at 5ms, want 0 (packet still draining)", len(out))
	}
	out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(10)))
	if len(out) != 1 {
		t.Fatalf("len(out) = %d at 10ms, want 1 (packet fully drained)", len(out))
	}
}

func TestNetworkAppliesMeanJitterWithZeroStdDev(t *testing.T) {
	n := NewNetwork(Config{QueueDelay: ccunits.MillisDelta(50)})
	now := ccunits.TimestampZero()
	n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100)})

	out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(50)))
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 once mean delay has passed", len(out))
	}
	if out[0].Arrival.Sub(now).Millis() != 50 {
		t.Fatalf("Arrival offset = %v, want 50ms", out[0].Arrival.Sub(now))
	}
}

func TestNetworkUniformLossMarksEveryPacketLost(t *testing.T) {
	n := NewNetwork(Config{LossPercent: 100, AvgBurstLossLength: -1})
	now := ccunits.TimestampZero()
	for i := 0; i < 5; i++ {
		n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100), SequenceNumber: uint16(i)})
	}

	out := n.DequeueDeliverable(now)
	if len(out) != 5 {
		t.Fatalf("len(out) = %d, want 5", len(out))
	}
	for _, oc := range out {
		if !oc.Lost {
			t.Fatalf("packet %d should be lost at 100%% loss", oc.Packet.SequenceNumber)
		}
	}
}

func TestNetworkZeroLossNeverMarksLost(t *testing.T) {
	n := NewNetwork(Config{LossPercent: 0, AvgBurstLossLength: 10})
	now := ccunits.TimestampZero()
	for i := 0; i < 20; i++ {
		n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100), SequenceNumber: uint16(i)})
	}
	out := n.DequeueDeliverable(now)
	for _, oc := range out {
		if oc.Lost {
			t.Fatal("no packet should be lost at 0% loss")
		}
	}
}

func TestRollLossAlwaysLosesTheBurstTriggeringPacket(t *testing.T) {
	n := NewNetwork(Config{LossPercent: 30, AvgBurstLossLength: 4, RandomSeed: 7})
	for i := 0; i < 2000; i++ {
		wasBursting := n.bursting
		lost := n.rollLoss()
		if !wasBursting && n.bursting && !lost {
			t.Fatalf("iteration %d: rollLoss started a burst but returned false for the triggering packet", i)
		}
	}
}

func TestNetworkBurstLossLosesRunsOfPackets(t *testing.T) {
	n := NewNetwork(Config{LossPercent: 30, AvgBurstLossLength: 4, RandomSeed: 7})
	now := ccunits.TimestampZero()
	for i := 0; i < 2000; i++ {
		n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100), SequenceNumber: uint16(i)})
	}
	out := n.DequeueDeliverable(now)
	if len(out) != 2000 {
		t.Fatalf("len(out) = %d, want 2000", len(out))
	}
	lost := 0
	for _, oc := range out {
		if oc.Lost {
			lost++
		}
	}
	if lost == 0 {
		t.Fatal("expected at least one lost packet at 30% burst loss over 2000 packets")
	}
}

func TestNetworkQueueOverflowRejects(t *testing.T) {
	n := NewNetwork(Config{QueueLengthPackets: 1, QueueDelay: ccunits.SecondsDelta(10)})
	now := ccunits.TimestampZero()
	if !n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100)}) {
		t.Fatal("first Enqueue should succeed")
	}
	if n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100)}) {
		t.Fatal("second Enqueue should be rejected once the queue is full")
	}
}

func TestNetworkOrderPreservedWhenReorderingDisallowed(t *testing.T) {
	n := NewNetwork(Config{
		QueueDelay:      ccunits.MillisDelta(50),
		DelayStdDev:     ccunits.MillisDelta(30),
		AllowReordering: false,
		RandomSeed:      42,
	})
	now := ccunits.TimestampZero()
	for i := 0; i < 50; i++ {
		n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(10), SequenceNumber: uint16(i)})
	}

	out := n.DequeueDeliverable(now.Add(ccunits.SecondsDelta(1)))
	if len(out) != 50 {
		t.Fatalf("len(out) = %d, want 50", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Arrival.Before(out[i-1].Arrival) {
			t.Fatalf("arrival times not monotonic at index %d: %v before %v", i, out[i].Arrival, out[i-1].Arrival)
		}
	}
}

func TestNetworkSetLinkCapacityAffectsSubsequentDrain(t *testing.T) {
	n := NewNetwork(Config{LinkCapacity: ccunits.BitsPerSec(800_000)}) // 100 bytes/ms
	now := ccunits.TimestampZero()
	n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(988)}) // 1000 bytes on the wire, 10ms to drain
	if out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(10))); len(out) != 1 {
		t.Fatalf("len(out) = %d at 10ms under the original rate, want 1", len(out))
	}

	n.SetLinkCapacity(ccunits.BitsPerSec(80_000)) // 10 bytes/ms: a 10x slower link
	now = now.Add(ccunits.MillisDelta(10))
	n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(988)})
	if out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(10))); len(out) != 0 {
		t.Fatalf("len(out) = %d at 10ms under the new rate, want 0 (should need 100ms now)", len(out))
	}
	if out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(100))); len(out) != 1 {
		t.Fatalf("len(out) = %d at 100ms under the new rate, want 1", len(out))
	}
}

func TestNodeSetLinkCapacityDelegatesToNetwork(t *testing.T) {
	m := NewManager()
	a := m.CreateEndpoint(net.IPv4(192, 168, 3, 1))
	b := m.CreateEndpoint(net.IPv4(192, 168, 3, 2))
	node := m.CreateNode(Config{LinkCapacity: ccunits.BitsPerSec(800_000)})
	if err := m.CreateRoute(a, []*Node{node}, b); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	node.SetLinkCapacity(ccunits.BitsPerSec(80_000))
	if node.net.cfg.LinkCapacity.Bps() != 80_000 {
		t.Fatalf("LinkCapacity = %v, want 80000bps after SetLinkCapacity", node.net.cfg.LinkCapacity)
	}
}

func TestNetworkPauseShiftsArrivalForward(t *testing.T) {
	n := NewNetwork(Config{})
	now := ccunits.TimestampZero()
	pauseUntil := now.Add(ccunits.MillisDelta(100))
	n.SetPauseUntil(pauseUntil)
	n.Enqueue(Packet{SendTime: now, Size: ccunits.BytesSize(100)})

	if out := n.DequeueDeliverable(now.Add(ccunits.MillisDelta(50))); len(out) != 0 {
		t.Fatalf("len(out) = %d before pause ends, want 0", len(out))
	}
	out := n.DequeueDeliverable(pauseUntil)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d at pause end, want 1", len(out))
	}
}

func TestManagerDeliversPacketThroughRoute(t *testing.T) {
	m := NewManager()
	a := m.CreateEndpoint(net.IPv4(192, 168, 0, 1))
	b := m.CreateEndpoint(net.IPv4(192, 168, 0, 2))
	node := m.CreateNode(Config{QueueDelay: ccunits.MillisDelta(5)})
	if err := m.CreateRoute(a, []*Node{node}, b); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	now := ccunits.TimestampZero()
	if !m.Send(a, Packet{SendTime: now, Size: ccunits.BytesSize(100), SequenceNumber: 7}) {
		t.Fatal("Send should succeed on a valid route")
	}

	for i := 0; i <= 10; i++ {
		m.process(now.Add(ccunits.MillisDelta(int64(i))))
	}

	select {
	case d := <-b.Deliveries():
		if d.Packet.SequenceNumber != 7 {
			t.Fatalf("SequenceNumber = %d, want 7", d.Packet.SequenceNumber)
		}
		if d.Lost {
			t.Fatal("packet should not be lost")
		}
	default:
		t.Fatal("expected a delivery at the destination endpoint")
	}
}

func TestManagerSendFailsWithoutRoute(t *testing.T) {
	m := NewManager()
	a := m.CreateEndpoint(net.IPv4(10, 0, 0, 1))
	if m.Send(a, Packet{Size: ccunits.BytesSize(10)}) {
		t.Fatal("Send should fail when no route has been created")
	}
}

func TestManagerClearRouteDropsInFlightPacketAtSeveredHop(t *testing.T) {
	m := NewManager()
	a := m.CreateEndpoint(net.IPv4(192, 168, 0, 1))
	b := m.CreateEndpoint(net.IPv4(192, 168, 0, 2))
	n1 := m.CreateNode(Config{QueueDelay: ccunits.MillisDelta(10)})
	n2 := m.CreateNode(Config{QueueDelay: ccunits.MillisDelta(10)})
	if err := m.CreateRoute(a, []*Node{n1, n2}, b); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	now := ccunits.TimestampZero()
	m.Send(a, Packet{SendTime: now, Size: ccunits.BytesSize(100)})

	// One tick: the packet is admitted into n1's delay queue (10ms out)
	// but hasn't arrived yet.
	m.process(now)

	// Sever the route while the packet is still in flight on n1.
	m.ClearRoute(a, []*Node{n1, n2}, b)

	// Run out the clock well past where the packet would have arrived at
	// both hops.
	for i := 1; i <= 30; i++ {
		m.process(now.Add(ccunits.MillisDelta(int64(i))))
	}

	select {
	case <-b.Deliveries():
		t.Fatal("packet should have been dropped at the severed hop, not delivered")
	default:
	}
}

func TestBindPortRejectsDuplicate(t *testing.T) {
	m := NewManager()
	e := m.CreateEndpoint(net.IPv4(10, 0, 0, 5))
	if !e.BindPort(5000) {
		t.Fatal("first BindPort should succeed")
	}
	if e.BindPort(5000) {
		t.Fatal("second BindPort on the same port should fail")
	}
}

func TestRandomWalkCrossTrafficSendsPackets(t *testing.T) {
	m := NewManager()
	a := m.CreateEndpoint(net.IPv4(192, 168, 1, 1))
	b := m.CreateEndpoint(net.IPv4(192, 168, 1, 2))
	node := m.CreateNode(Config{})
	if err := m.CreateRoute(a, []*Node{node}, b); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	cfg := DefaultRandomWalkConfig()
	cfg.Bias = 1.0 // drive intensity toward 1 deterministically
	cfg.Variance = 0
	traffic := m.AddRandomWalk(a, cfg)

	now := ccunits.TimestampZero()
	for i := 0; i <= 1000; i++ {
		now = now.Add(ccunits.MillisDelta(1))
		traffic.Process(now)
		m.process(now)
	}

	if traffic.TrafficRate().Bps() == 0 {
		t.Fatal("expected a non-zero traffic rate after enough positive-bias updates")
	}

	delivered := 0
drain:
	for {
		select {
		case <-b.Deliveries():
			delivered++
		default:
			break drain
		}
	}
	if delivered == 0 {
		t.Fatal("expected at least one cross-traffic packet to be delivered")
	}
}

func TestPulsedPeaksCrossTrafficAlternatesSendAndHold(t *testing.T) {
	m := NewManager()
	a := m.CreateEndpoint(net.IPv4(192, 168, 2, 1))
	b := m.CreateEndpoint(net.IPv4(192, 168, 2, 2))
	node := m.CreateNode(Config{})
	if err := m.CreateRoute(a, []*Node{node}, b); err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}

	cfg := DefaultPulsedPeaksConfig()
	cfg.HoldDuration = ccunits.MillisDelta(0)
	cfg.SendDuration = ccunits.MillisDelta(50)
	traffic := m.AddPulsedPeaks(a, cfg)

	now := ccunits.TimestampZero()
	// The first Process call only initializes last_update_time; the
	// zero-length hold phase begins on the call right after.
	traffic.Process(now)
	traffic.Process(now)
	if traffic.TrafficRate().Bps() == 0 {
		t.Fatal("expected sending to start once the zero-length hold phase elapses")
	}

	now = now.Add(ccunits.MillisDelta(60))
	traffic.Process(now)
	if traffic.TrafficRate().Bps() != 0 {
		t.Fatal("expected the send phase to have ended after send_duration")
	}
}
