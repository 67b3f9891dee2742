// Package metrics wires the Prometheus vectors shared by every service:
// one for the HTTP admin/health surface, one for message-handler duration
// (replaces what used to be a gRPC-call vector once the transport boundary
// dropped), and one per-service business counter set.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics covers the small admin surface every service exposes
// (health, readiness) alongside /metrics itself.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// HandlerMetrics covers broker message handling: one label set per
// routing key, so a slow or failing consumer shows up without digging
// through logs first.
type HandlerMetrics struct {
	MessagesTotal    *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	RetriesTotal     *prometheus.CounterVec
	DeadLettersTotal *prometheus.CounterVec
}

// BusinessMetrics is filled in per service by the caller via the generic
// counter/histogram constructors below — the fixed Stripe/payment-link
// fields from the single-service version don't generalize across four
// independent services, so each service builds the vector it needs.
type BusinessMetrics struct {
	namespace string
}

// NewHTTPMetrics creates HTTP metrics for a service.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewHandlerMetrics creates broker message-handling metrics for a service.
func NewHandlerMetrics(serviceName string) *HandlerMetrics {
	return &HandlerMetrics{
		MessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_messages_total",
				Help: "Total number of broker messages handled",
			},
			[]string{"routing_key", "status"},
		),
		HandlerDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_message_handler_duration_seconds",
				Help:    "Broker message handler duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"routing_key"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_message_retries_total",
				Help: "Total number of broker message redeliveries via the retry path",
			},
			[]string{"routing_key"},
		),
		DeadLettersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_dead_letters_total",
				Help: "Total number of broker messages routed to a dead-letter queue",
			},
			[]string{"routing_key"},
		),
	}
}

// NewBusinessMetrics returns a namespaced factory for service-specific
// counters, e.g. metrics.NewBusinessMetrics("order").NewCounter("created",
// "orders created").
func NewBusinessMetrics(serviceName string) *BusinessMetrics {
	return &BusinessMetrics{namespace: serviceName}
}

// NewCounter registers a single business counter under the service
// namespace.
func (m *BusinessMetrics) NewCounter(name, help string) prometheus.Counter {
	return promauto.NewCounter(prometheus.CounterOpts{
		Name: m.namespace + "_" + name + "_total",
		Help: help,
	})
}

// NewHistogram registers a single business duration histogram under the
// service namespace.
func (m *BusinessMetrics) NewHistogram(name, help string) prometheus.Histogram {
	return promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    m.namespace + "_" + name + "_seconds",
		Help:    help,
		Buckets: prometheus.DefBuckets,
	})
}

// RecordHTTPRequest records an HTTP request metric.
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordHandled records a broker message outcome: status is "ok",
// "retried", or "dead_lettered".
func (m *HandlerMetrics) RecordHandled(routingKey, status string, duration time.Duration) {
	m.MessagesTotal.WithLabelValues(routingKey, status).Inc()
	m.HandlerDuration.WithLabelValues(routingKey).Observe(duration.Seconds())
	switch status {
	case "retried":
		m.RetriesTotal.WithLabelValues(routingKey).Inc()
	case "dead_lettered":
		m.DeadLettersTotal.WithLabelValues(routingKey).Inc()
	}
}
