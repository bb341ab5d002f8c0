// Package metrics exposes Prometheus counters for the request path and the
// background replication pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates all proxy metrics behind one registry.
type Collector struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BackendOps      *prometheus.CounterVec
	BytesStreamed   *prometheus.CounterVec

	ReplicationSpawned   prometheus.Counter
	ReplicationSucceeded prometheus.Counter
	ReplicationAbandoned prometheus.Counter
}

// NewCollector creates and registers all metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicat",
			Name:      "requests_total",
			Help:      "S3 requests by operation and response code.",
		}, []string{"operation", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "replicat",
			Name:      "request_duration_seconds",
			Help:      "S3 request latency by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		BackendOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicat",
			Name:      "backend_operations_total",
			Help:      "Backend calls by backend, operation, and outcome.",
		}, []string{"backend", "operation", "outcome"}),
		BytesStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "replicat",
			Name:      "bytes_streamed_total",
			Help:      "Object body bytes moved through the proxy by direction.",
		}, []string{"direction"}),
		ReplicationSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicat",
			Name:      "replication_tasks_spawned_total",
			Help:      "Catch-up replication tasks spawned.",
		}),
		ReplicationSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicat",
			Name:      "replication_targets_succeeded_total",
			Help:      "Catch-up replication target writes that succeeded.",
		}),
		ReplicationAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replicat",
			Name:      "replication_targets_abandoned_total",
			Help:      "Catch-up replication target writes abandoned after the retry budget.",
		}),
	}

	reg.MustRegister(
		c.RequestsTotal,
		c.RequestDuration,
		c.BackendOps,
		c.BytesStreamed,
		c.ReplicationSpawned,
		c.ReplicationSucceeded,
		c.ReplicationAbandoned,
	)
	return c
}

// Handler serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
