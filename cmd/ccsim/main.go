// SPDX-License-Identifier: GPL-3.0
// Copyright 2024 Pete Heist

// Command ccsim runs the congestion controller against a set of fixed,
// reproducible simulated network scenarios and reports whether each
// one's observed target rate stayed within its expected bounds. It takes
// two flags (-scenario, -metrics) rather than a general-purpose CLI: there's no
// multi-command surface here for a framework like cobra to serve.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	log.SetFlags(0)

	var (
		only        = flag.String("scenario", "", "run only the named scenario (default: all)")
		metricsBind = flag.String("metrics", "", "if set, serve Prometheus metrics on this address (e.g. :9090) while running")
	)
	flag.Parse()

	var m *metrics
	if *metricsBind != "" {
		m = newMetrics()
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Fatal(http.ListenAndServe(*metricsBind, nil))
		}()
	}

	failed := 0
	ran := 0
	for _, sc := range Scenarios {
		if *only != "" && sc.Name != *only {
			continue
		}
		ran++
		w := NewWorld(sc)
		w.metrics = m
		if m != nil {
			prometheus.MustRegister(w.handler.Collector(sc.Name))
		}
		r := w.Run()
		if err := sc.Check(r); err != nil {
			failed++
			fmt.Printf("FAIL %-30s %v\n", sc.Name, err)
			continue
		}
		fmt.Printf("PASS %-30s final=%.0fkbit/s samples=%d stalls=%d\n",
			sc.Name, r.finalTarget().Kbps(), len(r.Samples), r.QueueStalls)
	}

	if ran == 0 {
		log.Fatalf("no scenario named %q", *only)
	}
	if failed > 0 {
		os.Exit(1)
	}
}
