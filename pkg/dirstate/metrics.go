// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package dirstate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the prometheus collectors dirstate2 exposes. A nil
// *Metrics is valid everywhere it's accepted and simply does nothing,
// so tests and one-shot CLI commands don't need to register a
// registry. Grounded in the teacher's promauto usage
// (internal/curator/durable/state/state.go, internal/server/latency_metric.go).
type Metrics struct {
	docketLoads       prometheus.Counter
	docketLoadErrors  *prometheus.CounterVec
	rewrites          *prometheus.CounterVec
	unreachableBytes  prometheus.Gauge
	usedSize          prometheus.Gauge
	entryCount        prometheus.Gauge
	statusWalkSeconds prometheus.Histogram
	generationsSwept  prometheus.Counter
}

// NewMetrics registers a fresh set of dirstate2 collectors against
// the default prometheus registry (as promauto.New* does throughout
// the teacher's own server code) and returns them.
func NewMetrics() *Metrics {
	return &Metrics{
		docketLoads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dirstate2_docket_loads_total",
			Help: "Number of times a docket was successfully loaded.",
		}),
		docketLoadErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dirstate2_docket_load_errors_total",
			Help: "Number of docket load failures, by error kind.",
		}, []string{"kind"}),
		rewrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dirstate2_rewrites_total",
			Help: "Number of writer commits, by mode (append or fresh).",
		}, []string{"mode"}),
		unreachableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dirstate2_unreachable_bytes",
			Help: "Estimated unreachable bytes in the current generation's data file.",
		}),
		usedSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dirstate2_used_size_bytes",
			Help: "used_size of the current generation's data file.",
		}),
		entryCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dirstate2_dirstate_entry_count",
			Help: "dirstate_entry_count of the current generation.",
		}),
		statusWalkSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dirstate2_status_walk_seconds",
			Help:    "Wall-clock duration of a status walk.",
			Buckets: prometheus.DefBuckets,
		}),
		generationsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dirstate2_generations_swept_total",
			Help: "Number of superseded data-file generations deleted by the sweeper.",
		}),
	}
}

func (m *Metrics) observeDocketLoaded(d *Docket) {
	if m == nil {
		return
	}
	m.docketLoads.Inc()
	m.unreachableBytes.Set(float64(d.Tree.UnreachableBytes))
	m.usedSize.Set(float64(d.UsedSize))
	m.entryCount.Set(float64(d.Tree.DirstateEntryCount))
}

func (m *Metrics) observeDocketError(err error) {
	if m == nil {
		return
	}
	kind := "unknown"
	if we, ok := err.(*WrappedError); ok {
		kind = we.Kind.String()
	}
	m.docketLoadErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeRewrite(mode string, d *Docket) {
	if m == nil {
		return
	}
	m.rewrites.WithLabelValues(mode).Inc()
	m.unreachableBytes.Set(float64(d.Tree.UnreachableBytes))
	m.usedSize.Set(float64(d.UsedSize))
	m.entryCount.Set(float64(d.Tree.DirstateEntryCount))
}

func (m *Metrics) observeStatusWalk(d time.Duration) {
	if m == nil {
		return
	}
	m.statusWalkSeconds.Observe(d.Seconds())
}

func (m *Metrics) observeSweep(n int) {
	if m == nil || n == 0 {
		return
	}
	m.generationsSwept.Add(float64(n))
}
