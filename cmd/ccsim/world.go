// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"net"
	"sort"

	"github.com/pion/rtcp"

	"github.com/heistp/ccsim/internal/bwe"
	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/controller"
	"github.com/heistp/ccsim/internal/feedback"
	"github.com/heistp/ccsim/internal/netsim"
	"github.com/heistp/ccsim/internal/pacer"
	"github.com/heistp/ccsim/internal/probe"
	"github.com/heistp/ccsim/internal/taskqueue"
	"github.com/heistp/ccsim/internal/timecontroller"
	"github.com/heistp/ccsim/internal/twccwire"
)

// feedbackInterval is how often the simulated receiver assembles and
// sends back a transport-wide feedback report, per spec's 25-100ms
// guidance for feedback cadence.
var feedbackInterval = ccunits.MillisDelta(50)

// frameInterval is the simulated media source's frame rate (50fps),
// chosen to divide evenly into the pacer's 5ms tick.
var frameInterval = ccunits.MillisDelta(20)

const (
	senderSSRC = 0x5e17e5
	mediaSSRC  = 0x1000
)

// World wires one simulated sender, network and receiver together to run
// a Scenario end to end: a media source tracking the published target
// rate, a pacer and control handler on the sender side, a forward and
// reverse simulated route, and a receiver that assembles real TWCC
// feedback reports from what actually arrived.
type World struct {
	sc    Scenario
	clock *timecontroller.SimulatedController
	mgr   *netsim.Manager

	fwdNode *netsim.Node
	revNode *netsim.Node
	senderE *netsim.Endpoint
	receivE *netsim.Endpoint

	worker taskqueue.Queue
	app    taskqueue.Queue
	netq   taskqueue.Queue

	adapter *feedback.Adapter
	p       *pacer.Pacer
	handler *controller.Handler

	currentTarget ccunits.DataRate
	mediaSeq      uint16

	fbSeq   uint16
	fbCount uint8

	metrics *metrics // nil unless a /metrics server was requested

	result Result
}

// NewWorld builds a World for running sc, with everything wired but
// nothing started yet.
func NewWorld(sc Scenario) *World {
	w := &World{sc: sc}
	w.clock = timecontroller.NewSimulatedController(ccunits.TimestampZero())
	w.mgr = netsim.NewManager()

	w.senderE = w.mgr.CreateEndpoint(net.IPv4(10, 0, 0, 1))
	w.receivE = w.mgr.CreateEndpoint(net.IPv4(10, 0, 0, 2))

	w.fwdNode = w.mgr.CreateNode(sc.Link)
	// The return path carries only feedback reports, so it's configured
	// separately: small, symmetric, effectively unconstrained, the way a
	// real network's reverse ACK path rarely shares the forward path's
	// bottleneck.
	w.revNode = w.mgr.CreateNode(netsim.Config{QueueDelay: sc.Link.QueueDelay})

	if err := w.mgr.CreateRoute(w.senderE, []*netsim.Node{w.fwdNode}, w.receivE); err != nil {
		panic(err)
	}
	if err := w.mgr.CreateRoute(w.receivE, []*netsim.Node{w.revNode}, w.senderE); err != nil {
		panic(err)
	}

	if sc.CrossTraffic != nil {
		ctFrom := w.mgr.CreateEndpoint(net.IPv4(10, 0, 1, 1))
		ctTo := w.mgr.CreateEndpoint(net.IPv4(10, 0, 1, 2))
		if err := w.mgr.CreateRoute(ctFrom, []*netsim.Node{w.fwdNode}, ctTo); err != nil {
			panic(err)
		}
		w.mgr.AddPulsedPeaks(ctFrom, *sc.CrossTraffic)
	}

	w.worker = w.clock.CreateTaskQueue("worker")
	w.app = w.clock.CreateTaskQueue("app")
	w.netq = w.clock.CreateTaskQueue("net")

	w.adapter = feedback.NewAdapter()
	w.p = pacer.New(pacer.DefaultConfig(), w.clock, w.adapter, &netTransmitter{w})

	ccfg := controller.Config{
		Estimator:   sc.Estimator,
		Probe:       probe.Config{InitialMultipliers: []float64{3, 6}},
		CWNDEnabled: true,
	}
	h, err := controller.NewHandler(ccfg, w.clock, w.worker, w.app, w.adapter, w.p)
	if err != nil {
		panic(err)
	}
	w.handler = h
	w.handler.SetObserver(w.onTarget)
	w.p.OnQueueStalled(func() { w.result.QueueStalls++ })
	w.currentTarget = sc.Estimator.StartBitrate

	return w
}

// Run drives the scenario to completion and returns the collected
// Result.
func (w *World) Run() *Result {
	w.mgr.Start(w.netq, w.clock.Now)
	w.p.Start(w.worker)
	w.handler.Start(w.sc.Estimator.StartBitrate)

	w.worker.PostRepeating(func() ccunits.TimeDelta {
		w.generateFrame()
		return frameInterval
	})
	w.app.PostRepeating(func() ccunits.TimeDelta {
		w.assembleFeedback()
		return feedbackInterval
	})
	w.worker.PostRepeating(func() ccunits.TimeDelta {
		w.drainSenderFeedback()
		return ccunits.MillisDelta(5)
	})

	for _, step := range w.sc.CapacitySteps {
		step := step
		w.worker.PostDelayed(step.At, func() {
			w.fwdNode.SetLinkCapacity(step.Capacity)
		})
	}

	w.clock.RunFor(w.sc.Duration)
	return &w.result
}

// onTarget is the control handler's observer callback: it records a
// Sample and becomes the media source's new target rate.
func (w *World) onTarget(t bwe.TargetTransferRate) {
	w.currentTarget = t.Target
	w.result.Samples = append(w.result.Samples, Sample{
		At:     t.AtTime.Sub(ccunits.TimestampZero()),
		Target: t.Target,
		RTT:    t.RTT,
		Loss:   t.LossFraction,
	})
	if w.metrics != nil {
		w.metrics.observe(w.sc.Name, t)
		w.metrics.setStalls(w.sc.Name, w.result.QueueStalls)
	}
}

// generateFrame emits one simulated video frame's worth of payload, sized
// to track the last published target rate, the way a real encoder's rate
// controller adapts frame size to the estimated bandwidth.
func (w *World) generateFrame() {
	now := w.clock.Now()
	rate := w.currentTarget
	if !rate.IsFinite() || rate.Bps() == 0 {
		rate = w.sc.Estimator.StartBitrate
	}
	size := rate.TimesDelta(frameInterval)
	pkt := pacer.Packet{SSRC: mediaSSRC, Kind: pacer.KindMedia, StreamType: pacer.StreamVideo, Size: size}
	if err := w.p.Enqueue(pkt, now); err != nil {
		return
	}
	w.handler.OnEncodedFrame(size, now)
	w.result.PacketsSent++
}

// netTransmitter bridges the pacer's egress to the forward simulated
// route.
type netTransmitter struct{ w *World }

func (t *netTransmitter) Transmit(pkt pacer.Packet, seq uint16, sendTime ccunits.Timestamp) {
	t.w.mgr.Send(t.w.senderE, netsim.Packet{
		SendTime:       sendTime,
		Size:           pkt.Size,
		SequenceNumber: seq,
		SSRC:           pkt.SSRC,
	})
}

// assembleFeedback drains whatever has arrived at the receiver endpoint
// since the last call, builds a transport-wide feedback report covering
// the observed sequence range (marking gaps as not-received, the way a
// real receiver infers loss), and sends it back over the reverse route.
func (w *World) assembleFeedback() {
	now := w.clock.Now()
	var arrivals []netsim.Delivery
drain:
	for {
		select {
		case d := <-w.receivE.Deliveries():
			arrivals = append(arrivals, d)
		default:
			break drain
		}
	}
	if len(arrivals) == 0 {
		return
	}

	sort.Slice(arrivals, func(i, j int) bool {
		return arrivals[i].Packet.SequenceNumber < arrivals[j].Packet.SequenceNumber
	})
	base := arrivals[0].Packet.SequenceNumber
	span := int(arrivals[len(arrivals)-1].Packet.SequenceNumber-base) + 1
	recvTimes := make([]ccunits.Timestamp, span)
	received := make([]bool, span)
	for _, d := range arrivals {
		idx := int(d.Packet.SequenceNumber - base)
		received[idx] = true
		recvTimes[idx] = d.Arrival
	}

	statuses := make([]twccwire.PacketStatus, span)
	last := ccunits.TimestampZero()
	haveLast := false
	for i := 0; i < span; i++ {
		if !received[i] {
			continue
		}
		if !haveLast {
			statuses[i] = twccwire.PacketStatus{Received: true, Delta: ccunits.ZeroDelta()}
			haveLast = true
		} else {
			statuses[i] = twccwire.PacketStatus{Received: true, Delta: recvTimes[i].Sub(last)}
		}
		last = recvTimes[i]
	}

	report, err := twccwire.Build(senderSSRC, mediaSSRC, base, 0, w.fbCount, statuses)
	if err != nil {
		return
	}
	w.fbCount++

	w.mgr.Send(w.receivE, netsim.Packet{
		SendTime:       now,
		Size:           ccunits.BytesSize(int64(span)), // rough; not on the critical accounting path
		SequenceNumber: w.fbSeq,
		UserData:       report,
	})
	w.fbSeq++
}

// drainSenderFeedback delivers every feedback report that has arrived
// back at the sender over the reverse route to the control handler.
func (w *World) drainSenderFeedback() {
	now := w.clock.Now()
drain:
	for {
		select {
		case d := <-w.senderE.Deliveries():
			if d.Lost {
				continue
			}
			tcc, ok := d.Packet.UserData.(*rtcp.TransportLayerCC)
			if !ok {
				continue
			}
			w.handler.OnTransportFeedback(tcc, now)
		default:
			break drain
		}
	}
}
