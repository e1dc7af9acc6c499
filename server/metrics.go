package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsCollector holds the server's Prometheus collectors on a private
// registry, exposed at /_metrics.
type metricsCollector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	deployments     *prometheus.CounterVec
	poolRejections  *prometheus.CounterVec
	sandboxFailures *prometheus.CounterVec
}

func newMetricsCollector() *metricsCollector {
	m := &metricsCollector{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hatch",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Application requests by status code.",
		},
		[]string{"application", "code"},
	)
	m.requestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hatch",
			Subsystem: "http",
			Name:      "request_seconds",
			Help:      "Application request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"application"},
	)
	m.deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hatch",
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Deployment attempts by outcome.",
		},
		[]string{"application", "outcome"},
	)
	m.poolRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hatch",
			Subsystem: "pool",
			Name:      "rejections_total",
			Help:      "Requests rejected because the instance pool was exhausted.",
		},
		[]string{"application"},
	)
	m.sandboxFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hatch",
			Subsystem: "sandbox",
			Name:      "failures_total",
			Help:      "Sandbox invocations ending in a trap or quota overrun.",
		},
		[]string{"application", "kind"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestLatency,
		m.deployments,
		m.poolRejections,
		m.sandboxFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *metricsCollector) observeRequest(application string, code int, start time.Time) {
	m.requestsTotal.WithLabelValues(application, strconv.Itoa(code)).Inc()
	m.requestLatency.WithLabelValues(application).Observe(time.Since(start).Seconds())
}

func (m *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
