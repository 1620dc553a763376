// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package controller

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/heistp/ccsim/internal/ccunits"
)

func TestCollectorExportsLastPublishedValues(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	h.lastTarget = ccunits.KilobitsPerSec(456)
	h.rtt = ccunits.MillisDelta(80)
	h.lastLoss = 0.02

	c := h.Collector("test")
	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)

	got := map[string]float64{}
	for m := range ch {
		var d dto.Metric
		if err := m.Write(&d); err != nil {
			t.Fatalf("Write: %v", err)
		}
		got[m.Desc().String()] = d.GetGauge().GetValue()
	}
	if len(got) != 3 {
		t.Fatalf("Collect emitted %d metrics, want 3", len(got))
	}

	var sawTarget, sawRTT, sawLoss bool
	for _, v := range got {
		switch v {
		case 456000:
			sawTarget = true
		case 0.08:
			sawRTT = true
		case 0.02:
			sawLoss = true
		}
	}
	if !sawTarget || !sawRTT || !sawLoss {
		t.Fatalf("got values %v, want target=456000 rtt=0.08 loss=0.02", got)
	}
}

func TestCollectorDescribeListsThreeDescs(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	c := h.Collector("test")

	ch := make(chan *prometheus.Desc, 8)
	c.Describe(ch)
	close(ch)

	n := 0
	for range ch {
		n++
	}
	if n != 3 {
		t.Fatalf("Describe sent %d descs, want 3", n)
	}
}
