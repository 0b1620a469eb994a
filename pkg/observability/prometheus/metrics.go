package prometheus

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DefaultRegistry is the default Prometheus registry
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer is the default Prometheus registerer
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "logpilot"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds the storage engine's Prometheus metrics
type Metrics struct {
	// Record flow
	RecordsAppendedTotal *prometheus.CounterVec
	RecordsReadTotal     *prometheus.CounterVec

	// Engine operations
	OperationDuration *prometheus.HistogramVec
	FailuresTotal     *prometheus.CounterVec

	// Database pool metrics
	DatabaseConnectionsOpen  prometheus.Gauge
	DatabaseConnectionsIdle  prometheus.Gauge
	DatabaseConnectionsInUse prometheus.Gauge
	DatabaseConnectionsWait  prometheus.Gauge
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics registers a new metrics collection with registerer
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		RecordsAppendedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logpilot_records_appended_total",
				Help: "Total number of records appended, by channel and level",
			},
			[]string{"channel", "level"},
		),
		RecordsReadTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logpilot_records_read_total",
				Help: "Total number of records delivered to consumers, by channel",
			},
			[]string{"channel"},
		),
		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "logpilot_storage_operation_duration_seconds",
				Help:    "Storage engine operation duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 4, 9), // 100µs to ~6.5s
			},
			[]string{"operation", "status"},
		),
		FailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "logpilot_storage_failures_total",
				Help: "Total number of storage failures, by operation",
			},
			[]string{"operation"},
		),

		DatabaseConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logpilot_database_connections_open",
				Help: "Number of open database connections",
			},
		),
		DatabaseConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logpilot_database_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DatabaseConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logpilot_database_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DatabaseConnectionsWait: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "logpilot_database_connections_waited",
				Help: "Cumulative number of times a caller waited for a database connection",
			},
		),
	}
}

// RecordAppend counts n records appended to channel at level
func (m *Metrics) RecordAppend(channel, level string, n int) {
	m.RecordsAppendedTotal.WithLabelValues(channel, level).Add(float64(n))
}

// RecordRead counts n records delivered from channel
func (m *Metrics) RecordRead(channel string, n int) {
	if n > 0 {
		m.RecordsReadTotal.WithLabelValues(channel).Add(float64(n))
	}
}

// RecordOperation records the duration and outcome of an engine operation.
// status is "ok", "invalid" or "error"; errors also count as failures.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	m.OperationDuration.WithLabelValues(operation, status).Observe(duration.Seconds())
	if status == "error" {
		m.FailuresTotal.WithLabelValues(operation).Inc()
	}
}

// UpdateDatabasePool updates database pool metrics from sql.DBStats values
func (m *Metrics) UpdateDatabasePool(open, idle, inUse int, waitCount int64) {
	m.DatabaseConnectionsOpen.Set(float64(open))
	m.DatabaseConnectionsIdle.Set(float64(idle))
	m.DatabaseConnectionsInUse.Set(float64(inUse))
	m.DatabaseConnectionsWait.Set(float64(waitCount))
}
