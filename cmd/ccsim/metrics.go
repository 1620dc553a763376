// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/heistp/ccsim/internal/bwe"
)

// metrics are the gauges a long-running ccsim process exposes on
// /metrics, one vector per scenario name so a dashboard can compare runs
// side by side.
type metrics struct {
	target   *prometheus.GaugeVec
	rtt      *prometheus.GaugeVec
	loss     *prometheus.GaugeVec
	bitrate  *prometheus.GaugeVec
	stallCnt *prometheus.GaugeVec
}

func newMetrics() *metrics {
	return &metrics{
		target: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccsim",
			Name:      "target_bitrate_bps",
			Help:      "Last published send-side target bitrate, in bits per second.",
		}, []string{"scenario"}),
		rtt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccsim",
			Name:      "round_trip_time_seconds",
			Help:      "Last smoothed round-trip time used by the control handler.",
		}, []string{"scenario"}),
		loss: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccsim",
			Name:      "loss_fraction",
			Help:      "Last reported feedback-interval loss fraction.",
		}, []string{"scenario"}),
		bitrate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccsim",
			Name:      "bandwidth_estimate_bps",
			Help:      "Last delay-based bandwidth estimate, in bits per second, before the loss-based ceiling.",
		}, []string{"scenario"}),
		stallCnt: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ccsim",
			Name:      "queue_stalls_total",
			Help:      "Number of times the pacer's non-audio queues were flushed for exceeding the queue time limit.",
		}, []string{"scenario"}),
	}
}

// observe records one TargetTransferRate update against scenario's
// gauges.
func (m *metrics) observe(scenario string, t bwe.TargetTransferRate) {
	m.target.WithLabelValues(scenario).Set(float64(t.Target.Bps()))
	m.bitrate.WithLabelValues(scenario).Set(float64(t.Bandwidth.Bps()))
	m.loss.WithLabelValues(scenario).Set(t.LossFraction)
	if t.RTT.IsFinite() {
		m.rtt.WithLabelValues(scenario).Set(t.RTT.Seconds())
	}
}

func (m *metrics) setStalls(scenario string, n int) {
	m.stallCnt.WithLabelValues(scenario).Set(float64(n))
}
