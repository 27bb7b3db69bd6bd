package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/crossfilter/pkg/scheduler/queue"
)

type metrics struct {
	queue *queue.Metrics

	inflight        prometheus.Gauge
	requestDuration *prometheus.HistogramVec
	requests        *prometheus.CounterVec
	cacheHits       prometheus.Counter
	consolidated    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		queue: queue.NewMetrics("scheduler", reg),
		inflight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "crossfilter",
			Subsystem: "scheduler",
			Name:      "inflight_requests",
			Help:      "Number of submitted requests whose results were not delivered yet.",
		}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crossfilter",
			Subsystem: "scheduler",
			Name:      "request_duration_seconds",
			Help:      "Time spent by the backend executing requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossfilter",
			Subsystem: "scheduler",
			Name:      "backend_requests_total",
			Help:      "Total number of requests sent to the backend.",
		}, []string{"type", "status"}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "crossfilter",
			Subsystem: "scheduler",
			Name:      "cache_hits_total",
			Help:      "Total number of requests answered from the cache or by a shared request in flight.",
		}),
		consolidated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "crossfilter",
			Subsystem: "scheduler",
			Name:      "consolidated_requests_total",
			Help:      "Total number of requests answered by a consolidated query.",
		}),
	}
}
