/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the set of Prometheus collectors Serve and the eviction sweep
// report to. A nil *Metrics is valid: every method is a no-op, so wiring it
// into Engine is optional.
type Metrics struct {
	outcomes       *prometheus.CounterVec
	evictedEntries prometheus.Counter
	evictSweeps    *prometheus.CounterVec
}

// NewMetrics builds and registers the proxy's collectors against reg.
// Grounded on the observability.Collector pattern (own registry, MustRegister
// up front, one CounterVec per dimensioned metric).
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amargo",
			Name:      "cache_outcomes_total",
			Help:      "Cache engine Serve outcomes by kind.",
		}, []string{"kind"}),
		evictedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "amargo",
			Name:      "evicted_entries_total",
			Help:      "Cache entries removed by the eviction sweep.",
		}),
		evictSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "amargo",
			Name:      "eviction_sweeps_total",
			Help:      "Eviction sweep passes by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.outcomes, m.evictedEntries, m.evictSweeps)
	return m
}

func (m *Metrics) observe(kind OutcomeKind) {
	if m == nil {
		return
	}
	var label string
	switch kind {
	case OutcomeHit:
		label = "hit"
	case OutcomeMiss:
		label = "miss"
	case OutcomeNotFound:
		label = "not_found"
	default:
		label = "error"
	}
	m.outcomes.WithLabelValues(label).Inc()
}

// ObserveEvictedBatch records one eviction batch: n entries removed, and
// whether the sweepOnce call itself succeeded.
func (m *Metrics) ObserveEvictedBatch(n int, err error) {
	if m == nil {
		return
	}
	m.evictedEntries.Add(float64(n))
	if err != nil {
		m.evictSweeps.WithLabelValues("error").Inc()
		return
	}
	m.evictSweeps.WithLabelValues("ok").Inc()
}
