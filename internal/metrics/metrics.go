// Package metrics exposes Prometheus instrumentation for the closure engine:
// how many layers a rebuild took, how many rows each layer touched, and how
// long query-surface operations take.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors bundles the counters and histograms the closure engine and
// query surface report against. A single instance is built at startup and
// threaded wherever it's needed, rather than relying on package-level
// globals, so tests can register their own registry.
type Collectors struct {
	RebuildLayers    prometheus.Histogram
	RebuildRows      prometheus.Histogram
	RebuildTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	ConsistencyAbort prometheus.Counter
}

// New registers the engine's metrics against reg and returns the collectors.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		RebuildLayers: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roleclosure_rebuild_layers",
			Help:    "Number of layers a closure rebuild took to converge.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 55},
		}),
		RebuildRows: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roleclosure_rebuild_rows_touched",
			Help:    "Total ancestor rows deleted plus inserted across a rebuild.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
		RebuildTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "roleclosure_rebuilds_total",
			Help: "Closure rebuilds, partitioned by outcome.",
		}, []string{"outcome"}),
		QueryDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roleclosure_query_duration_seconds",
			Help:    "Query-surface operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ConsistencyAbort: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roleclosure_consistency_aborts_total",
			Help: "Rebuilds aborted after exceeding the layer safety bound.",
		}),
	}
	return c
}

// ObserveRebuild records the outcome of one rebuild: layer count, rows
// touched, and whether it succeeded.
func (c *Collectors) ObserveRebuild(layers int, rowsTouched int64, err error) {
	c.RebuildLayers.Observe(float64(layers))
	c.RebuildRows.Observe(float64(rowsTouched))
	if err != nil {
		c.RebuildTotal.WithLabelValues("error").Inc()
		return
	}
	c.RebuildTotal.WithLabelValues("success").Inc()
}

// ObserveQuery records how long a query-surface operation took.
func (c *Collectors) ObserveQuery(operation string, d time.Duration) {
	c.QueryDuration.WithLabelValues(operation).Observe(d.Seconds())
}
