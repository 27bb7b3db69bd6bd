package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	QueueLength       *prometheus.GaugeVec   // Per priority.
	DiscardedRequests *prometheus.CounterVec // Per reason.
}

func NewMetrics(subsystem string, registerer prometheus.Registerer) *Metrics {
	return &Metrics{
		QueueLength: promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crossfilter",
			Subsystem: subsystem,
			Name:      "queue_length",
			Help:      "Number of queries in the queue.",
		}, []string{"priority"}),
		DiscardedRequests: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossfilter",
			Subsystem: subsystem,
			Name:      "discarded_requests_total",
			Help:      "Total number of query requests removed from the queue before execution.",
		}, []string{"reason"}),
	}
}
