package investigation

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the investigation pipeline.
type Metrics struct {
	Submitted prometheus.Counter
	Completed *prometheus.CounterVec
	Duration  prometheus.Histogram
	Verdicts  *prometheus.CounterVec
}

// NewMetrics registers and returns investigation metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_investigations_submitted_total",
			Help: "Alerts accepted for investigation.",
		}),
		Completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_investigations_completed_total",
			Help: "Finished investigations by terminal status.",
		}, []string{"status"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inquest_investigation_duration_seconds",
			Help:    "End-to-end investigation duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. ~17m
		}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_verdicts_total",
			Help: "Verdicts by classification.",
		}, []string{"classification"}),
	}

	reg.MustRegister(m.Submitted, m.Completed, m.Duration, m.Verdicts)
	return m
}
