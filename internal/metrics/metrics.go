// Package metrics defines the Prometheus instrumentation for the server,
// connector, and aggregator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector this system exposes.
type Metrics struct {
	FeedRequestsTotal          prometheus.Counter
	FeedItemsTotal             prometheus.Counter
	FeedDuration               prometheus.Histogram
	QueryRequestsTotal         prometheus.Counter
	QueryDuration              prometheus.Histogram
	ActiveConnections          prometheus.Gauge
	SegmentsTotal              *prometheus.GaugeVec
	CollectionSizeBytes        *prometheus.GaugeVec
	PoolConnectedGauge         *prometheus.GaugeVec
	WatchdogPingFailuresTotal  *prometheus.CounterVec
	AggregatorCacheHitsTotal   prometheus.Counter
	AggregatorCacheMissesTotal prometheus.Counter
}

// New registers and returns the metric set under the coldstore namespace,
// using the default Prometheus registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers and returns the metric set against reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction doesn't
// panic on duplicate registration against the process-wide default.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FeedRequestsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coldstore",
			Subsystem: "server",
			Name:      "feed_requests_total",
			Help:      "Total number of BeginFeed requests handled.",
		}),
		FeedItemsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coldstore",
			Subsystem: "server",
			Name:      "feed_items_total",
			Help:      "Total number of items stored across all feeds.",
		}),
		FeedDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coldstore",
			Subsystem: "server",
			Name:      "feed_duration_seconds",
			Help:      "Duration of a complete feed, from BeginFeed to end-of-feed.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueryRequestsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coldstore",
			Subsystem: "server",
			Name:      "query_requests_total",
			Help:      "Total number of QueryByPrimaryKey requests handled.",
		}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coldstore",
			Subsystem: "server",
			Name:      "query_duration_seconds",
			Help:      "Duration of a QueryByPrimaryKey request.",
			Buckets:   prometheus.DefBuckets,
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "coldstore",
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "Number of currently accepted client connections.",
		}),
		SegmentsTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coldstore",
			Subsystem: "storage",
			Name:      "segments_total",
			Help:      "Number of segment files in a collection's active version.",
		}, []string{"collection"}),
		CollectionSizeBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coldstore",
			Subsystem: "storage",
			Name:      "collection_size_bytes",
			Help:      "Total data bytes stored in a collection's active version.",
		}, []string{"collection"}),
		PoolConnectedGauge: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coldstore",
			Subsystem: "client",
			Name:      "pool_connected",
			Help:      "Whether a connector pool believes it is connected (1) or not (0).",
		}, []string{"replica"}),
		WatchdogPingFailuresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldstore",
			Subsystem: "client",
			Name:      "watchdog_ping_failures_total",
			Help:      "Total number of failed watchdog pings per replica.",
		}, []string{"replica"}),
		AggregatorCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coldstore",
			Subsystem: "aggregator",
			Name:      "cache_hits_total",
			Help:      "Total number of query cache hits.",
		}),
		AggregatorCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "coldstore",
			Subsystem: "aggregator",
			Name:      "cache_misses_total",
			Help:      "Total number of query cache misses.",
		}),
	}
}
