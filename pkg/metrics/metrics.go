// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	submissions   *prometheus.CounterVec
	submitLatency prometheus.Histogram
	readFaults    *prometheus.CounterVec
	snapshots     prometheus.Counter
	subscriptions prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casefile",
			Name:      "submissions_total",
			Help:      "Scan submissions by outcome (created, duplicate, failed).",
		}, []string{"outcome"}),
		submitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "casefile",
			Name:      "submit_duration_seconds",
			Help:      "Time spent correlating and persisting one submission.",
			Buckets:   prometheus.DefBuckets,
		}),
		readFaults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casefile",
			Name:      "read_faults_total",
			Help:      "Faults absorbed while reading case files (corrupt_entry, store_unavailable).",
		}, []string{"kind"}),
		snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: "casefile",
			Name:      "snapshots_delivered_total",
			Help:      "Snapshots handed to subscribers.",
		}),
		subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "casefile",
			Name:      "active_subscriptions",
			Help:      "Live change subscriptions.",
		}),
	}
}

const (
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"

	FaultCorruptEntry     = "corrupt_entry"
	FaultStoreUnavailable = "store_unavailable"
)

func (m *Metrics) ObserveSubmission(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.submitLatency.Observe(took.Seconds())
}

func (m *Metrics) ReadFault(kind string) {
	if m == nil {
		return
	}
	m.readFaults.WithLabelValues(kind).Inc()
}

func (m *Metrics) SnapshotDelivered() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}
