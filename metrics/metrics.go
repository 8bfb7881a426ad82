// Package metrics holds the Prometheus collectors shared by the registry,
// the validator, the dispatch path and the task ledger.
//
// All methods are safe on a nil *Metrics so components can be built
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "taskreg"

// Result label values.
const (
	ResultOK = "ok"
)

// Metrics groups the collectors exported by taskreg.
type Metrics struct {
	mutations         *prometheus.CounterVec
	taskTypes         *prometheus.GaugeVec
	snapshotRevision  prometheus.Gauge
	validations       *prometheus.CounterVec
	validationSeconds prometheus.Histogram
	submissions       *prometheus.CounterVec
	ledgerReports     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves the collectors unregistered, which is useful in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "mutations_total",
			Help:      "Registry mutations by operation and result.",
		}, []string{"op", "result"}),
		taskTypes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "task_types",
			Help:      "Task types in the latest snapshot by state.",
		}, []string{"state"}),
		snapshotRevision: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "snapshot_revision",
			Help:      "Revision of the latest published snapshot.",
		}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "validations_total",
			Help:      "Payload validations by result.",
		}, []string{"result"}),
		validationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "validation_duration_seconds",
			Help:      "Time spent validating a payload against a schema version.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "submissions_total",
			Help:      "Task submissions by outcome.",
		}, []string{"outcome"}),
		ledgerReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "worker_reports_total",
			Help:      "Worker status and result reports by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.mutations,
			m.taskTypes,
			m.snapshotRevision,
			m.validations,
			m.validationSeconds,
			m.submissions,
			m.ledgerReports,
		)
	}
	return m
}

// ObserveMutation counts one registry mutation.
func (m *Metrics) ObserveMutation(op, result string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

// ObserveSnapshot records the shape of a newly published snapshot.
func (m *Metrics) ObserveSnapshot(revision uint64, active, retired int) {
	if m == nil {
		return
	}
	m.snapshotRevision.Set(float64(revision))
	m.taskTypes.WithLabelValues("active").Set(float64(active))
	m.taskTypes.WithLabelValues("retired").Set(float64(retired))
}

// ObserveValidation counts one validation and its latency.
func (m *Metrics) ObserveValidation(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(result).Inc()
	m.validationSeconds.Observe(elapsed.Seconds())
}

// ObserveSubmission counts one dispatch submission.
func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// ObserveWorkerReport counts one worker report applied to the ledger.
func (m *Metrics) ObserveWorkerReport(kind, outcome string) {
	if m == nil {
		return
	}
	m.ledgerReports.WithLabelValues(kind, outcome).Inc()
}
