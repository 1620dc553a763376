// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Package timecontroller provides the clock abstraction the congestion
// controller runs against: a RealTimeController for production use and a
// SimulatedController that drives the same code under a deterministic
// virtual clock for tests. Both satisfy Controller.
package timecontroller

import (
	"github.com/heistp/ccsim/internal/ccunits"
	"github.com/heistp/ccsim/internal/taskqueue"
)

// Controller abstracts real vs. simulated time for every clock-dependent
// operation in the congestion controller.
type Controller interface {
	// Now returns the current time.
	Now() ccunits.Timestamp
	// NtpNowMs returns the current time in NTP-epoch milliseconds.
	NtpNowMs() int64
	// CreateTaskQueue returns a new serial task queue driven by this
	// controller's clock.
	CreateTaskQueue(name string) taskqueue.Queue
	// Sleep blocks the calling goroutine for delta. Only meaningful to
	// call outside a task queue (e.g. from a test's driving goroutine).
	Sleep(delta ccunits.TimeDelta)
	// Wait advances time in fixed 5ms steps (on a SimulatedController) or
	// polls at that cadence (on a RealTimeController), until predicate
	// returns true or max has elapsed. It returns predicate's final value.
	Wait(predicate func() bool, max ccunits.TimeDelta) bool
}
