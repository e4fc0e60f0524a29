// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the orchestrator's prometheus collectors. Every
// denial, reclaim and job completion increments something here; no
// error is swallowed without a counter.
type Metrics struct {
	AdmissionDenials *prometheus.CounterVec
	LeasesActive     prometheus.Gauge
	LeasesExpired    prometheus.Counter
	JobLatency       prometheus.Histogram
	Reclaims         *prometheus.CounterVec
	DeadLetters      prometheus.Counter
	Leader           prometheus.Gauge
}

// NewMetrics returns the collector set.
func NewMetrics() *Metrics {
	return &Metrics{
		AdmissionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpu_orchestrator",
			Name:      "admission_denials_total",
			Help:      "Admission denials by enumerated reason.",
		}, []string{"reason"}),
		LeasesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpu_orchestrator",
			Name:      "leases_active",
			Help:      "Live leases granted by this process.",
		}),
		LeasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpu_orchestrator",
			Name:      "leases_expired_total",
			Help:      "Leases purged after passing expiry.",
		}),
		JobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpu_orchestrator_job_latency_seconds",
			Help:    "Submit-to-terminal latency per job.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		Reclaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpu_orchestrator",
			Name:      "reclaims_total",
			Help:      "Idle pending entries reclaimed, by outcome.",
		}, []string{"outcome"}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpu_orchestrator",
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead letter partition.",
		}),
		Leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpu_orchestrator",
			Name:      "leader",
			Help:      "1 while this process holds the leader lock.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.AdmissionDenials.Describe(ch)
	m.LeasesActive.Describe(ch)
	m.LeasesExpired.Describe(ch)
	m.JobLatency.Describe(ch)
	m.Reclaims.Describe(ch)
	m.DeadLetters.Describe(ch)
	m.Leader.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.AdmissionDenials.Collect(ch)
	m.LeasesActive.Collect(ch)
	m.LeasesExpired.Collect(ch)
	m.JobLatency.Collect(ch)
	m.Reclaims.Collect(ch)
	m.DeadLetters.Collect(ch)
	m.Leader.Collect(ch)
}
