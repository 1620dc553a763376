// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package taskqueue defines the serial task-queue abstraction the
// congestion controller is built on: every mutation of worker, network or
// application state happens as a task run to completion on exactly one
// queue, so there is never a data race between components that live on
// different queues. The shape is one goroutine, one channel,
// run-to-completion, generalized here to an explicit interface so a
// real-time and a simulated-time backend can be swapped without
// touching caller code.
package taskqueue

import "github.com/heistp/ccsim/internal/ccunits"

// Func is a unit of work run to completion on a Queue.
type Func func()

// RepeatingFunc is run repeatedly on a Queue. Its return value is the
// delay until the next invocation; returning StopRepeating ends the
// series. Stopping, like cancellation, is only ever observed on the
// queue that owns the repeating task.
type RepeatingFunc func() ccunits.TimeDelta

// StopRepeating is returned by a RepeatingFunc to end the repetition.
var StopRepeating = ccunits.PlusInfinityDelta()

// Handle references a delayed or repeating task so it can be cancelled.
type Handle struct {
	cancel func()
}

// NewHandle returns a Handle that runs cancel when Cancel is called.
// Backends use this to hand callers a Handle without exposing their
// internal cancellation machinery.
func NewHandle(cancel func()) *Handle {
	return &Handle{cancel: cancel}
}

// Cancel cancels the task the Handle refers to. If the task has an
// associated drop hook, the hook runs on the owning queue. Cancel is safe
// to call more than once or after the task has already run.
func (h *Handle) Cancel() {
	if h == nil || h.cancel == nil {
		return
	}
	h.cancel()
}

// Queue runs Funcs strictly serially: a task posted from a running task on
// the same queue is guaranteed to run after the current task returns, and
// tasks posted from the same queue run in the order posted. Delayed tasks
// whose deadline has passed run in non-decreasing deadline order.
type Queue interface {
	// Name identifies the queue for logging.
	Name() string
	// Post runs f on the queue as soon as it's free.
	Post(f Func)
	// PostDelayed runs f on the queue no earlier than delay from now.
	PostDelayed(delay ccunits.TimeDelta, f Func) *Handle
	// PostDelayedWithDrop is PostDelayed, but drop runs on this queue if
	// the returned Handle is cancelled before f runs.
	PostDelayedWithDrop(delay ccunits.TimeDelta, f Func, drop Func) *Handle
	// PostRepeating runs f now, then again after each delay it returns,
	// until f returns StopRepeating or the Handle is cancelled.
	PostRepeating(f RepeatingFunc) *Handle
}
