// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

package controller

import "github.com/prometheus/client_golang/prometheus"

// Descs for the three gauges a Handler exports: the last published
// target rate, smoothed round-trip time and loss fraction. Modeled on
// the Desc-per-metric Collector shape rather than a package-level
// promauto vector, since a process may run more than one Handler (one
// per call) and each needs its own labeled identity.
var (
	targetDesc = prometheus.NewDesc(
		"ccsim_controller_target_bitrate_bps",
		"Last published send-side target bitrate, in bits per second.",
		[]string{"handler"}, nil,
	)
	rttDesc = prometheus.NewDesc(
		"ccsim_controller_round_trip_time_seconds",
		"Last smoothed round-trip time sample.",
		[]string{"handler"}, nil,
	)
	lossDesc = prometheus.NewDesc(
		"ccsim_controller_loss_fraction",
		"Last reported feedback-interval loss fraction.",
		[]string{"handler"}, nil,
	)
)

// Collector returns a prometheus.Collector snapshotting h's last
// published target rate, RTT and loss fraction, labeled with name (so a
// caller running several Handlers, e.g. one per scenario, can register
// all of them under distinct label values).
func (h *Handler) Collector(name string) prometheus.Collector {
	return &handlerCollector{h: h, name: name}
}

type handlerCollector struct {
	h    *Handler
	name string
}

// Describe implements prometheus.Collector.
func (c *handlerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- targetDesc
	ch <- rttDesc
	ch <- lossDesc
}

// Collect implements prometheus.Collector. It reads the Handler's
// fields without synchronization, same as every other cross-queue
// observation point in this package; a scrape can race a worker-queue
// update and see a slightly stale value, which is acceptable for a
// gauge.
func (c *handlerCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(targetDesc, prometheus.GaugeValue, float64(c.h.lastTarget.Bps()), c.name)
	ch <- prometheus.MustNewConstMetric(rttDesc, prometheus.GaugeValue, c.h.rtt.Seconds(), c.name)
	ch <- prometheus.MustNewConstMetric(lossDesc, prometheus.GaugeValue, c.h.lastLoss, c.name)
}
