// Package metrics exposes the Prometheus collectors for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "specboard",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "specboard",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "specboard",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	hierarchyMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "specboard",
			Subsystem: "hierarchy",
			Name:      "mutations_total",
			Help:      "Total number of committed hierarchy mutations.",
		},
		[]string{"collection", "operation"},
	)

	capacityRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "specboard",
			Subsystem: "hierarchy",
			Name:      "capacity_rejections_total",
			Help:      "Total number of inserts rejected at the per-parent capacity bound.",
		},
		[]string{"collection"},
	)

	authEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "specboard",
			Subsystem: "auth",
			Name:      "events_total",
			Help:      "Total number of authentication events.",
		},
		[]string{"event"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		hierarchyMutations,
		capacityRejections,
		authEvents,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight marks a request as started.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight marks a request as finished.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records one handled request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMutation records a committed create/update/delete/reorder on a
// collection ("projects", "specifications", "items").
func RecordMutation(collection, operation string) {
	hierarchyMutations.WithLabelValues(collection, operation).Inc()
}

// RecordCapacityRejection records an insert bounced at the capacity bound.
func RecordCapacityRejection(collection string) {
	capacityRejections.WithLabelValues(collection).Inc()
}

// RecordAuthEvent records a login, logout or rejected credential.
func RecordAuthEvent(event string) {
	authEvents.WithLabelValues(event).Inc()
}
