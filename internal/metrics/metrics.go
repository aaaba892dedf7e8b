// Package metrics defines the Prometheus collectors of the marketplace service.
// All series live under the "market" namespace, one subsystem per component.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "market"

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sale unit of work, labelled by payment method and result
	SaleTotal    *prometheus.CounterVec
	SaleDuration *prometheus.HistogramVec

	// Reward outbox outcomes: applied, skipped, failed, dead
	RewardTotal *prometheus.CounterVec

	// Background storage operations (lock sweep, reward relay)
	StorageOperationTotal    *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	LocksReapedTotal         prometheus.Counter

	EventPublishTotal    *prometheus.CounterVec
	EventPublishDuration *prometheus.HistogramVec

	SchemaValidationTotal    *prometheus.CounterVec
	SchemaValidationDuration *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewMetrics returns the process-wide metrics, registering them with the default
// registry on first use.
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal:    counter("http", "requests_total", "Total number of HTTP requests", "method", "path", "status"),
		HTTPRequestDuration: histogram("http", "request_duration_seconds", "HTTP request duration in seconds", prometheus.DefBuckets, "method", "path", "status"),

		SaleTotal: counter("sale", "total", "Sale attempts by payment method and result", "method", "result"),
		// Sales wait on the payment gateway; buckets reach the unit of work timeout
		SaleDuration: histogram("sale", "duration_seconds", "Sale unit of work duration in seconds",
			[]float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 100}, "method", "result"),

		RewardTotal: counter("reward", "total", "Reward apply attempts by outcome", "status"),

		StorageOperationTotal:    counter("storage", "operations_total", "Background storage operations", "operation", "status"),
		StorageOperationDuration: histogram("storage", "operation_duration_seconds", "Background storage operation duration in seconds", prometheus.DefBuckets, "operation", "status"),
		LocksReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "reaped_total",
			Help:      "Expired sale locks removed by the sweeper",
		}),

		EventPublishTotal:    counter("event", "publish_total", "Event publish operations", "event_type", "status"),
		EventPublishDuration: histogram("event", "publish_duration_seconds", "Event publish duration in seconds", prometheus.DefBuckets, "event_type", "status"),

		SchemaValidationTotal:    counter("schema", "validation_total", "Request body validations", "schema", "status"),
		SchemaValidationDuration: histogram("schema", "validation_duration_seconds", "Request body validation duration in seconds", prometheus.DefBuckets, "schema", "status"),
	}

	for _, c := range m.collectors() {
		register(c)
	}
	globalMetrics = m
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.HTTPRequestTotal, m.HTTPRequestDuration,
		m.SaleTotal, m.SaleDuration,
		m.RewardTotal,
		m.StorageOperationTotal, m.StorageOperationDuration, m.LocksReapedTotal,
		m.EventPublishTotal, m.EventPublishDuration,
		m.SchemaValidationTotal, m.SchemaValidationDuration,
	}
}

// register adds c to the default registry. A collector registered by another
// instance of the process wiring is left in place.
func register(c prometheus.Collector) {
	var are prometheus.AlreadyRegisteredError
	if err := prometheus.Register(c); err != nil && !errors.As(err, &are) {
		panic(err)
	}
}

// Status returns the label value for an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
