package agent

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics shared by the agent infrastructure.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Retries           prometheus.Counter
	BusPublished      *prometheus.CounterVec
	BusDropped        prometheus.Counter
}

// NewMetrics registers and returns agent metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_agent_operations_total",
			Help: "Agent operations by agent, operation and outcome.",
		}, []string{"agent", "op", "status"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inquest_agent_operation_duration_seconds",
			Help:    "Duration of agent operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s .. ~51s
		}, []string{"agent", "op"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_agent_retries_total",
			Help: "Total retried agent operation attempts.",
		}),
		BusPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inquest_bus_messages_total",
			Help: "Messages published on the agent bus by type.",
		}, []string{"type"}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inquest_bus_dropped_total",
			Help: "Messages dropped due to full subscriber buffers.",
		}),
	}

	reg.MustRegister(
		m.OperationsTotal,
		m.OperationDuration,
		m.Retries,
		m.BusPublished,
		m.BusDropped,
	)
	return m
}
