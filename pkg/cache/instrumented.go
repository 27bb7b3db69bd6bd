package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Instrument returns a cache that counts requests and hits of c.
func Instrument(name string, c Cache, reg prometheus.Registerer) Cache {
	labels := prometheus.Labels{"name": name}
	return &instrumentedCache{
		Cache: c,
		requests: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "crossfilter",
			Name:        "cache_requests_total",
			Help:        "Total count of keys requested from cache.",
			ConstLabels: labels,
		}),
		hits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "crossfilter",
			Name:        "cache_hits_total",
			Help:        "Total count of keys found in cache.",
			ConstLabels: labels,
		}),
		stores: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace:   "crossfilter",
			Name:        "cache_stores_total",
			Help:        "Total count of values stored in cache.",
			ConstLabels: labels,
		}),
	}
}

type instrumentedCache struct {
	Cache

	requests, hits, stores prometheus.Counter
}

func (i *instrumentedCache) Get(key string) (any, bool) {
	v, ok := i.Cache.Get(key)
	i.requests.Inc()
	if ok {
		i.hits.Inc()
	}
	return v, ok
}

func (i *instrumentedCache) Set(key string, value any, opts SetOptions) {
	i.stores.Inc()
	i.Cache.Set(key, value, opts)
}
