// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package netsim

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/taskqueue"
)

// ProcessInterval is how often a Manager drains its simulated links and
// advances cross-traffic generators, matching webrtc's
// kPacketProcessingIntervalMs.
var ProcessInterval = ccunits.MillisDelta(1)

// Receiver accepts a packet that has finished crossing a Network, either
// to forward it toward its destination or, if it's the destination, to
// deliver it. Both Node and Endpoint implement it, the way webrtc's
// EmulatedNetworkReceiverInterface is shared by intermediate nodes and
// endpoints.
type Receiver interface {
	onPacketReceived(pkt Packet, arrival ccunits.Timestamp, lost bool)
}

// Node is one simulated network hop: it owns a Network and forwards
// whatever it delivers to the receiver registered for the packet's
// destination endpoint, mirroring webrtc's EmulatedNetworkNode.
type Node struct {
	id        uint64
	net       *Network
	receivers map[uint64]Receiver
}

func newNode(id uint64, net *Network) *Node {
	return &Node{id: id, net: net, receivers: make(map[uint64]Receiver)}
}

// setReceiver registers the next hop for packets destined to endpointID.
func (n *Node) setReceiver(endpointID uint64, r Receiver) {
	n.receivers[endpointID] = r
}

// removeReceiver detaches the route for endpointID. Packets already
// admitted to this node's link are unaffected; only future forwarding
// decisions made here change, which is how a dynamically cleared route
// still delivers in-flight packets on the part of the route that remains
// valid, then drops them once they reach the severed hop.
func (n *Node) removeReceiver(endpointID uint64) {
	delete(n.receivers, endpointID)
}

// enqueue admits pkt onto this node's link.
func (n *Node) enqueue(pkt Packet) bool {
	return n.net.Enqueue(pkt)
}

// SetLinkCapacity changes this hop's link capacity mid-run, for scenarios
// that step capacity up or down partway through (spec's capacity-step
// scenario).
func (n *Node) SetLinkCapacity(r ccunits.DataRate) {
	n.net.SetLinkCapacity(r)
}

// onPacketReceived implements Receiver: a packet forwarded here by a
// prior hop is re-admitted onto this node's own link to continue toward
// its destination.
func (n *Node) onPacketReceived(pkt Packet, arrival ccunits.Timestamp, lost bool) {
	if lost {
		return
	}
	n.net.Enqueue(pkt)
}

// process drains this node's link up to now and forwards every
// delivered or lost outcome to the receiver registered for its
// destination, if any; an outcome with no registered receiver (a route
// cleared out from under an in-flight packet) is silently dropped.
func (n *Node) process(now ccunits.Timestamp) {
	for _, oc := range n.net.DequeueDeliverable(now) {
		if r, ok := n.receivers[oc.Packet.DestEndpointID]; ok {
			r.onPacketReceived(oc.Packet, oc.Arrival, oc.Lost)
		}
	}
}

// Endpoint is an addressable network participant: an IP with a table of
// bound ports, the source and sink of routes per spec's endpoint model.
type Endpoint struct {
	id                  uint64
	ip                  net.IP
	ports               map[uint16]bool
	sendNode            *Node
	connectedEndpointID uint64

	inbox chan Delivery

	// conn is set only in live mode, where a real socket backs this
	// endpoint's shutdown lifecycle; nil in a purely simulated scenario.
	conn net.PacketConn
}

// Delivery is one packet handed to an endpoint, successful or not.
type Delivery struct {
	Packet  Packet
	Arrival ccunits.Timestamp
	Lost    bool
}

func newEndpoint(id uint64, ip net.IP) *Endpoint {
	return &Endpoint{id: id, ip: ip, ports: make(map[uint16]bool), inbox: make(chan Delivery, 256)}
}

func (e *Endpoint) onPacketReceived(pkt Packet, arrival ccunits.Timestamp, lost bool) {
	select {
	case e.inbox <- Delivery{Packet: pkt, Arrival: arrival, Lost: lost}:
	default:
	}
}

// ID returns the endpoint's identifier, used as a route's destination
// key.
func (e *Endpoint) ID() uint64 { return e.id }

// IP returns the endpoint's simulated address.
func (e *Endpoint) IP() net.IP { return e.ip }

// BindPort reserves port in this endpoint's port table, reporting false
// if it's already bound.
func (e *Endpoint) BindPort(port uint16) bool {
	if e.ports[port] {
		return false
	}
	e.ports[port] = true
	return true
}

// Deliveries returns the channel packets arrive on once routed to this
// endpoint.
func (e *Endpoint) Deliveries() <-chan Delivery { return e.inbox }

// Listen opens a real UDP socket for this endpoint, bound to its IP on an
// ephemeral port. The socket is tracked so Close shuts it down. Nothing
// in cmd/ccsim calls Listen; its scenarios run on simulated Networks.
func (e *Endpoint) Listen() (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(e.ip.String(), "0"))
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

// Close releases the endpoint's live-mode socket, if any. It's a no-op
// for purely simulated endpoints.
func (e *Endpoint) Close() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

// Manager owns every Node, Endpoint and cross-traffic generator in a
// scenario, and drives their processing on a single task queue, the way
// webrtc's NetworkEmulationManager runs one repeating
// ProcessNetworkPackets task rather than giving each component its own
// thread.
type Manager struct {
	nextNodeID     uint64
	nextEndpointID uint64

	nodes       []*Node
	endpoints   []*Endpoint
	randomWalks []*RandomWalkCrossTraffic
	pulsedPeaks []*PulsedPeaksCrossTraffic

	handle *taskqueue.Handle
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{nextNodeID: 1, nextEndpointID: 1}
}

// CreateNode creates a simulated link wrapped in a routable Node.
func (m *Manager) CreateNode(cfg Config) *Node {
	id := m.nextNodeID
	m.nextNodeID++
	n := newNode(id, NewNetwork(cfg))
	m.nodes = append(m.nodes, n)
	return n
}

// CreateEndpoint creates an addressable endpoint at ip.
func (m *Manager) CreateEndpoint(ip net.IP) *Endpoint {
	id := m.nextEndpointID
	m.nextEndpointID++
	e := newEndpoint(id, ip)
	m.endpoints = append(m.endpoints, e)
	return e
}

// CreateRoute chains from, through every node in via (in order), to to,
// mirroring webrtc's NetworkEmulationManager::CreateRoute.
func (m *Manager) CreateRoute(from *Endpoint, via []*Node, to *Endpoint) error {
	if len(via) == 0 {
		return fmt.Errorf("netsim: route requires at least one node")
	}
	from.sendNode = via[0]
	from.connectedEndpointID = to.id
	cur := via[0]
	for i := 1; i < len(via); i++ {
		cur.setReceiver(to.id, via[i])
		cur = via[i]
	}
	cur.setReceiver(to.id, to)
	return nil
}

// ClearRoute removes to's receiver from every node in via and detaches
// from's send node. No node in via forwards toward to any more, so a
// packet still on one of those nodes' links is silently dropped when it
// leaves that link; packets already handed to to are unaffected.
func (m *Manager) ClearRoute(from *Endpoint, via []*Node, to *Endpoint) {
	for _, n := range via {
		n.removeReceiver(to.id)
	}
	if from.sendNode != nil {
		from.sendNode.removeReceiver(to.id)
		from.sendNode = nil
	}
}

// Send admits a packet from from onto its current route. pkt's
// DestEndpointID is set to from's currently connected endpoint.
func (m *Manager) Send(from *Endpoint, pkt Packet) bool {
	if from.sendNode == nil {
		return false
	}
	pkt.DestEndpointID = from.connectedEndpointID
	return from.sendNode.enqueue(pkt)
}

// AddRandomWalk attaches a RandomWalk cross-traffic generator that sends
// onto from's current route.
func (m *Manager) AddRandomWalk(from *Endpoint, cfg RandomWalkConfig) *RandomWalkCrossTraffic {
	t := newRandomWalkCrossTraffic(cfg, m, from)
	m.randomWalks = append(m.randomWalks, t)
	return t
}

// AddPulsedPeaks attaches a PulsedPeaks cross-traffic generator that
// sends onto from's current route.
func (m *Manager) AddPulsedPeaks(from *Endpoint, cfg PulsedPeaksConfig) *PulsedPeaksCrossTraffic {
	t := newPulsedPeaksCrossTraffic(cfg, m, from)
	m.pulsedPeaks = append(m.pulsedPeaks, t)
	return t
}

// process advances every cross-traffic generator and node by one tick.
func (m *Manager) process(now ccunits.Timestamp) {
	for _, t := range m.randomWalks {
		t.Process(now)
	}
	for _, t := range m.pulsedPeaks {
		t.Process(now)
	}
	for _, n := range m.nodes {
		n.process(now)
	}
}

// Start begins a repeating ProcessInterval tick on queue that drains
// every node and advances every cross-traffic generator. The task runs
// until Stop is called.
func (m *Manager) Start(queue taskqueue.Queue, now func() ccunits.Timestamp) {
	m.handle = queue.PostRepeating(func() ccunits.TimeDelta {
		m.process(now())
		return ProcessInterval
	})
}

// Stop cancels the repeating processing task started by Start.
func (m *Manager) Stop() {
	if m.handle != nil {
		m.handle.Cancel()
	}
}

// Close tears down every live-mode endpoint's socket concurrently,
// mirroring webrtc's per-endpoint thread lifecycle but expressed as a
// bounded fan-out rather than one goroutine held open for the whole
// scenario's duration.
func (m *Manager) Close(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, e := range m.endpoints {
		e := e
		g.Go(func() error {
			return e.Close()
		})
	}
	return g.Wait()
}
