// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package timecontroller

import (
	"sort"

	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/taskqueue"
)

// simEvent is one entry in the SimulatedController's event list: run f
// once the virtual clock reaches at. seq breaks ties between events
// scheduled for the same instant, in post order.
//
// A single sorted timer list, inserted with sort.Search, feeds any
// number of independently named task queues: ownership of an event by
// a queue is metadata for logging and drop hooks only, since the
// engine itself is already single-threaded and cooperative.
type simEvent struct {
	at        ccunits.Timestamp
	seq       uint64
	f         func()
	cancelled bool
}

// SimulatedController drives the congestion controller under a
// deterministic virtual clock, so tests get reproducible timing and can
// run years of simulated traffic in milliseconds of wall time.
type SimulatedController struct {
	now    ccunits.Timestamp
	seq    uint64
	events []*simEvent
}

// NewSimulatedController returns a SimulatedController starting at start.
func NewSimulatedController(start ccunits.Timestamp) *SimulatedController {
	return &SimulatedController{now: start}
}

// Now implements Controller.
func (c *SimulatedController) Now() ccunits.Timestamp { return c.now }

// NtpNowMs implements Controller. The virtual clock has no wall-clock
// epoch, so this returns the same micros-since-start value that Now does,
// scaled to milliseconds, which is all the congestion controller needs
// from it (a monotonically increasing millisecond counter).
func (c *SimulatedController) NtpNowMs() int64 {
	return c.now.Micros() / 1000
}

// CreateTaskQueue implements Controller.
func (c *SimulatedController) CreateTaskQueue(name string) taskqueue.Queue {
	return &simQueue{name: name, ctrl: c}
}

// Sleep implements Controller by running the event loop forward by delta.
func (c *SimulatedController) Sleep(delta ccunits.TimeDelta) {
	c.RunFor(delta)
}

// Wait implements Controller, advancing the virtual clock in fixed 5ms
// steps and polling predicate after each step, so that bounded waits in
// tests are deterministic.
func (c *SimulatedController) Wait(predicate func() bool, max ccunits.TimeDelta) bool {
	const stepMs = 5
	step := ccunits.MillisDelta(stepMs)
	deadline := c.now.Add(max)
	for {
		if predicate() {
			return true
		}
		if !c.now.Before(deadline) {
			return predicate()
		}
		next := c.now.Add(step)
		if next.After(deadline) {
			next = deadline
		}
		c.runUntil(next)
	}
}

// RunFor advances the virtual clock by delta, running every event
// scheduled to fire at or before the new time.
func (c *SimulatedController) RunFor(delta ccunits.TimeDelta) {
	c.runUntil(c.now.Add(delta))
}

// RunUntilIdle runs events until the event list is empty, for scenarios
// that terminate themselves (e.g. a fixed packet count) rather than
// running for a fixed duration.
func (c *SimulatedController) RunUntilIdle(safetyLimit ccunits.Timestamp) {
	for len(c.events) > 0 && c.now.Before(safetyLimit) {
		e := c.events[0]
		c.events = c.events[1:]
		if e.cancelled {
			continue
		}
		c.now = e.at
		e.f()
	}
}

// runUntil pops and runs every non-cancelled event at or before target, in
// (time, sequence) order, then advances now to target.
func (c *SimulatedController) runUntil(target ccunits.Timestamp) {
	for len(c.events) > 0 && !c.events[0].at.After(target) {
		e := c.events[0]
		c.events = c.events[1:]
		if e.cancelled {
			continue
		}
		c.now = e.at
		e.f()
	}
	if c.now.Before(target) {
		c.now = target
	}
}

// schedule inserts a new event in (at, seq) order using sort.Search.
func (c *SimulatedController) schedule(at ccunits.Timestamp, f func()) *simEvent {
	c.seq++
	e := &simEvent{at: at, seq: c.seq, f: f}
	i := sort.Search(len(c.events), func(i int) bool {
		if c.events[i].at.After(at) {
			return true
		}
		return !c.events[i].at.Before(at) && c.events[i].seq > e.seq
	})
	c.events = append(c.events, nil)
	copy(c.events[i+1:], c.events[i:])
	c.events[i] = e
	return e
}

// simQueue implements taskqueue.Queue against a SimulatedController's
// shared event list.
type simQueue struct {
	name string
	ctrl *SimulatedController
}

// Name implements taskqueue.Queue.
func (q *simQueue) Name() string { return q.name }

// Post implements taskqueue.Queue.
func (q *simQueue) Post(f taskqueue.Func) {
	q.ctrl.schedule(q.ctrl.now, func() { f() })
}

// PostDelayed implements taskqueue.Queue.
func (q *simQueue) PostDelayed(delay ccunits.TimeDelta, f taskqueue.Func) *taskqueue.Handle {
	return q.PostDelayedWithDrop(delay, f, nil)
}

// PostDelayedWithDrop implements taskqueue.Queue.
func (q *simQueue) PostDelayedWithDrop(delay ccunits.TimeDelta, f taskqueue.Func, drop taskqueue.Func) *taskqueue.Handle {
	at := q.ctrl.now.Add(delay)
	e := q.ctrl.schedule(at, nil)
	ran := false
	e.f = func() {
		ran = true
		f()
	}
	return taskqueue.NewHandle(func() {
		if e.cancelled || ran {
			return
		}
		e.cancelled = true
		if drop != nil {
			q.ctrl.schedule(q.ctrl.now, func() { drop() })
		}
	})
}

// PostRepeating implements taskqueue.Queue.
func (q *simQueue) PostRepeating(f taskqueue.RepeatingFunc) *taskqueue.Handle {
	stopped := false
	var cur *taskqueue.Handle
	var run func()
	run = func() {
		if stopped {
			return
		}
		d := f()
		if d == taskqueue.StopRepeating {
			return
		}
		cur = q.PostDelayed(d, run)
	}
	q.Post(run)
	return taskqueue.NewHandle(func() {
		stopped = true
		if cur != nil {
			cur.Cancel()
		}
	})
}
