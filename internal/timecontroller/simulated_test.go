// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package timecontroller

import (
	"testing"

	"github.com/heistp/ccsim/internal/ccunits"
)

func TestSimulatedControllerOrdersPostsByTime(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	q := c.CreateTaskQueue("worker")
	var order []int
	q.PostDelayed(ccunits.MillisDelta(20), func() { order = append(order, 2) })
	q.PostDelayed(ccunits.MillisDelta(5), func() { order = append(order, 1) })
	q.Post(func() { order = append(order, 0) })
	q.PostDelayed(ccunits.MillisDelta(20), func() { order = append(order, 3) })

	c.RunFor(ccunits.MillisDelta(50))

	want := []int{0, 1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSimulatedControllerCancelSuppressesTask(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	q := c.CreateTaskQueue("worker")
	ran := false
	h := q.PostDelayed(ccunits.MillisDelta(10), func() { ran = true })
	h.Cancel()
	c.RunFor(ccunits.MillisDelta(20))
	if ran {
		t.Fatal("cancelled task should not have run")
	}
}

func TestSimulatedControllerDropHookRunsOnCancel(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	q := c.CreateTaskQueue("network")
	dropped := false
	h := q.PostDelayedWithDrop(ccunits.MillisDelta(10), func() {}, func() { dropped = true })
	h.Cancel()
	c.RunFor(ccunits.MillisDelta(1))
	if !dropped {
		t.Fatal("expected drop hook to run after cancel")
	}
}

func TestSimulatedControllerRepeatingStops(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	q := c.CreateTaskQueue("worker")
	count := 0
	q.PostRepeating(func() ccunits.TimeDelta {
		count++
		if count >= 3 {
			return taskQueueStop()
		}
		return ccunits.MillisDelta(10)
	})
	c.RunFor(ccunits.MillisDelta(1000))
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestSimulatedControllerRepeatingCancelStopsFutureRuns(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	q := c.CreateTaskQueue("worker")
	count := 0
	h := q.PostRepeating(func() ccunits.TimeDelta {
		count++
		return ccunits.MillisDelta(10)
	})
	c.RunFor(ccunits.MillisDelta(25))
	h.Cancel()
	c.RunFor(ccunits.MillisDelta(1000))
	if count != 3 {
		t.Fatalf("count = %d, want 3 (at t=0,10,20ms before cancel)", count)
	}
}

func TestSimulatedControllerWaitAdvancesInFixedSteps(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	q := c.CreateTaskQueue("worker")
	ready := false
	q.PostDelayed(ccunits.MillisDelta(17), func() { ready = true })
	ok := c.Wait(func() bool { return ready }, ccunits.MillisDelta(100))
	if !ok {
		t.Fatal("expected Wait to observe predicate becoming true")
	}
	if c.Now().Micros() < ccunits.MillisDelta(17).Micros() {
		t.Fatalf("now = %v, expected at least 17ms to have elapsed", c.Now())
	}
}

func TestSimulatedControllerWaitTimesOut(t *testing.T) {
	c := NewSimulatedController(ccunits.TimestampZero())
	ok := c.Wait(func() bool { return false }, ccunits.MillisDelta(30))
	if ok {
		t.Fatal("expected Wait to time out")
	}
}

// taskQueueStop mirrors taskqueue.StopRepeating without importing the
// package under an alias, to keep this test file focused on the
// controller's semantics rather than the sentinel's identity.
func taskQueueStop() ccunits.TimeDelta {
	return ccunits.PlusInfinityDelta()
}
