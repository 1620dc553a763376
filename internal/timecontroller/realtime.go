// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package timecontroller

import (
	"sync/atomic"
	"time"

	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/taskqueue"
)

// RealTimeController drives the congestion controller against the
// system's monotonic clock, the way a production sender runs. It is the
// interchangeable counterpart to SimulatedController: both satisfy
// Controller, so the same control-handler code runs live or under test.
type RealTimeController struct{}

// NewRealTimeController returns a RealTimeController.
func NewRealTimeController() *RealTimeController { return &RealTimeController{} }

// Now implements Controller.
func (RealTimeController) Now() ccunits.Timestamp {
	return ccunits.MicrosTimestamp(time.Now().UnixMicro())
}

// NtpNowMs implements Controller.
func (RealTimeController) NtpNowMs() int64 {
	const ntpOffsetMs = 2208988800000 // seconds from 1900 to 1970, in ms
	return time.Now().UnixMilli() + ntpOffsetMs
}

// CreateTaskQueue implements Controller.
func (RealTimeController) CreateTaskQueue(name string) taskqueue.Queue {
	q := &realQueue{name: name, in: make(chan func(), 64)}
	go q.run()
	return q
}

// Sleep implements Controller.
func (RealTimeController) Sleep(d ccunits.TimeDelta) {
	time.Sleep(time.Duration(d.Micros()) * time.Microsecond)
}

// Wait implements Controller. Real time advances on its own, so Wait
// simply polls the predicate at the given step until it's true or the
// deadline passes.
func (RealTimeController) Wait(predicate func() bool, max ccunits.TimeDelta) bool {
	const step = 5 * time.Millisecond
	deadline := time.Now().Add(time.Duration(max.Micros()) * time.Microsecond)
	for {
		if predicate() {
			return true
		}
		if time.Now().After(deadline) {
			return predicate()
		}
		time.Sleep(step)
	}
}

// realQueue is a serial task queue backed by one goroutine draining a
// channel of closures: read one item, run it to completion, then read
// the next. Delayed tasks are armed with time.AfterFunc and posted back
// onto the same channel when they fire, so delayed and immediate work
// interleave through the single serial point.
type realQueue struct {
	name string
	in   chan func()
}

func (q *realQueue) run() {
	for f := range q.in {
		f()
	}
}

// Name implements taskqueue.Queue.
func (q *realQueue) Name() string { return q.name }

// Post implements taskqueue.Queue.
func (q *realQueue) Post(f taskqueue.Func) {
	q.in <- f
}

// PostDelayed implements taskqueue.Queue.
func (q *realQueue) PostDelayed(delay ccunits.TimeDelta, f taskqueue.Func) *taskqueue.Handle {
	return q.PostDelayedWithDrop(delay, f, nil)
}

// PostDelayedWithDrop implements taskqueue.Queue.
func (q *realQueue) PostDelayedWithDrop(delay ccunits.TimeDelta, f taskqueue.Func, drop taskqueue.Func) *taskqueue.Handle {
	var state int32 // 0 pending, 1 fired, 2 cancelled
	t := time.AfterFunc(time.Duration(delay.Micros())*time.Microsecond, func() {
		if !atomic.CompareAndSwapInt32(&state, 0, 1) {
			return
		}
		q.in <- f
	})
	return taskqueue.NewHandle(func() {
		if atomic.CompareAndSwapInt32(&state, 0, 2) {
			t.Stop()
			if drop != nil {
				q.in <- drop
			}
		}
	})
}

// PostRepeating implements taskqueue.Queue.
func (q *realQueue) PostRepeating(f taskqueue.RepeatingFunc) *taskqueue.Handle {
	var stopped int32
	var h *taskqueue.Handle
	var schedule func()
	schedule = func() {
		if atomic.LoadInt32(&stopped) == 1 {
			return
		}
		d := f()
		if d == taskqueue.StopRepeating {
			return
		}
		h = q.PostDelayed(d, schedule)
	}
	q.Post(schedule)
	return taskqueue.NewHandle(func() {
		atomic.StoreInt32(&stopped, 1)
		if h != nil {
			h.Cancel()
		}
	})
}
