package deletion

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "tinysos_deletion"

// Metrics is a prometheus.Collector for deletion operations.
type Metrics struct {
	operations   *prometheus.CounterVec
	observations *prometheus.CounterVec
	rows         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewMetrics returns an unregistered collector.
func NewMetrics() *Metrics {
	return &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "Deletion operations by outcome.",
			}, []string{"operation", "mode", "result"},
		),
		observations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "observations_total",
				Help:      "Observations marked or removed by committed deletions.",
			}, []string{"action"},
		),
		rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "removed_rows_total",
				Help:      "Dataset, offering and procedure rows removed.",
			}, []string{"kind"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "duration_seconds",
				Help:      "Time spent in deletion transactions.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			}, []string{"operation"},
		),
	}
}

func (m *Metrics) observe(op Operation, mode Mode, report Report, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
	m.operations.WithLabelValues(string(op), string(mode), KindOf(err).String()).Inc()
	if err != nil {
		return
	}
	m.observations.WithLabelValues("marked").Add(float64(report.MarkedObservations))
	m.observations.WithLabelValues("removed").Add(float64(report.RemovedObservations))
	m.rows.WithLabelValues("dataset").Add(float64(len(report.RemovedDatasets)))
	m.rows.WithLabelValues("offering").Add(float64(len(report.RemovedOfferings)))
	m.rows.WithLabelValues("procedure").Add(float64(len(report.RemovedProcedures)))
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.operations.Describe(ch)
	m.observations.Describe(ch)
	m.rows.Describe(ch)
	m.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.operations.Collect(ch)
	m.observations.Collect(ch)
	m.rows.Collect(ch)
	m.duration.Collect(ch)
}
