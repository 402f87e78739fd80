// Package metrics implements the daemon's metrics collection on a
// dedicated Prometheus registry. The liveness gauge is registered only
// while the service is running, so its absence - not a zero value - is
// what signals a stopped or crashed daemon.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LivenessMetric is the name of the liveness gauge.
const LivenessMetric = "bookkeeper_live"

// Collector owns the registry and all daemon metrics.
type Collector struct {
	registry *prometheus.Registry

	mu   sync.Mutex
	live prometheus.Gauge
	up   bool

	cacheRequests  *prometheus.CounterVec
	cacheBytes     *prometheus.CounterVec
	fetches        prometheus.Counter
	fetchedBytes   prometheus.Counter
	fetchErrors    prometheus.Counter
	evictions      prometheus.Counter
	evictedBytes   prometheus.Counter
	evictionErrors prometheus.Counter
	diskUsed       *prometheus.GaugeVec
	diskCapacity   *prometheus.GaugeVec
}

// Config holds collector settings.
type Config struct {
	Namespace string
}

// NewCollector creates a collector with a fresh registry.
func NewCollector(config Config) *Collector {
	ns := config.Namespace
	if ns == "" {
		ns = "bookkeeper"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: LivenessMetric,
			Help: "1 while the BookKeeper service is running; absent otherwise",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_requests_total",
			Help:      "Cache lookup segments by outcome",
		}, []string{"outcome"}),
		cacheBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_bytes_total",
			Help:      "Bytes of cache lookup segments by outcome",
		}, []string{"outcome"}),
		fetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fetches_total",
			Help:      "Completed remote block fetches",
		}),
		fetchedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fetched_bytes_total",
			Help:      "Bytes fetched from remote storage",
		}),
		fetchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "fetch_errors_total",
			Help:      "Failed remote block fetches",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "evictions_total",
			Help:      "Evicted cache ranges",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "evicted_bytes_total",
			Help:      "Bytes reclaimed by eviction",
		}),
		evictionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "eviction_errors_total",
			Help:      "Physical delete failures during eviction",
		}),
		diskUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "disk_used_bytes",
			Help:      "Resident bytes per cache disk",
		}, []string{"disk"}),
		diskCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "disk_capacity_bytes",
			Help:      "Configured capacity per cache disk",
		}, []string{"disk"}),
	}

	c.registry.MustRegister(
		c.cacheRequests,
		c.cacheBytes,
		c.fetches,
		c.fetchedBytes,
		c.fetchErrors,
		c.evictions,
		c.evictedBytes,
		c.evictionErrors,
		c.diskUsed,
		c.diskCapacity,
	)
	return c
}

// Handler returns the HTTP handler exposing the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetLive registers the liveness gauge with value 1, or unregisters it so
// the metric disappears entirely.
func (c *Collector) SetLive(live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if live && !c.up {
		c.registry.MustRegister(c.live)
		c.live.Set(1)
		c.up = true
	} else if !live && c.up {
		c.registry.Unregister(c.live)
		c.up = false
	}
}

// RecordHit counts a resident lookup segment.
func (c *Collector) RecordHit(bytes int64) {
	c.cacheRequests.WithLabelValues("hit").Inc()
	c.cacheBytes.WithLabelValues("hit").Add(float64(bytes))
}

// RecordMiss counts a missing lookup segment.
func (c *Collector) RecordMiss(bytes int64) {
	c.cacheRequests.WithLabelValues("miss").Inc()
	c.cacheBytes.WithLabelValues("miss").Add(float64(bytes))
}

// RecordFetch counts a completed remote block fetch.
func (c *Collector) RecordFetch(bytes int64) {
	c.fetches.Inc()
	c.fetchedBytes.Add(float64(bytes))
}

// RecordFetchError counts a failed remote block fetch.
func (c *Collector) RecordFetchError() {
	c.fetchErrors.Inc()
}

// RecordEviction counts one evicted range.
func (c *Collector) RecordEviction(bytes int64) {
	c.evictions.Inc()
	c.evictedBytes.Add(float64(bytes))
}

// RecordEvictionError counts a physical delete failure.
func (c *Collector) RecordEvictionError() {
	c.evictionErrors.Inc()
}

// SetDiskUsage updates the per-disk gauges.
func (c *Collector) SetDiskUsage(disk string, used, capacity int64) {
	c.diskUsed.WithLabelValues(disk).Set(float64(used))
	c.diskCapacity.WithLabelValues(disk).Set(float64(capacity))
}
