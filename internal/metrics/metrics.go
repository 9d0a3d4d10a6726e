package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RetryAttemptsTotal tracks handler retry attempts per operation
	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_retry_attempts_total",
			Help: "Total number of retry attempts",
		},
		[]string{"operation"},
	)

	// RetryExhaustedTotal tracks operations abandoned after exhausting retries
	RetryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_retry_exhausted_total",
			Help: "Total number of operations abandoned after retry exhaustion",
		},
		[]string{"operation"},
	)

	// CircuitState reports the current breaker state (0=closed, 1=open, 2=half-open)
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailpipe_circuit_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"dependency"},
	)

	// CircuitOpenTotal tracks how often a breaker tripped open
	CircuitOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_circuit_open_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"dependency"},
	)

	// RequeuedTotal tracks documents republished by startup requeue
	RequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_requeued_total",
			Help: "Total number of stuck documents requeued at startup",
		},
		[]string{"collection"},
	)

	// DocumentsWrittenTotal tracks idempotent write outcomes
	DocumentsWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_documents_written_total",
			Help: "Total number of document writes by outcome",
		},
		[]string{"collection", "outcome"},
	)

	// EventsPublishedTotal tracks events published to the bus
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_events_published_total",
			Help: "Total number of events published",
		},
		[]string{"routing_key"},
	)

	// DeadLettersTotal tracks dead-lettered events
	DeadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailpipe_dead_letters_total",
			Help: "Total number of events sent to the dead-letter queue",
		},
		[]string{"routing_key"},
	)

	// HandlerDuration tracks event handler latency
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailpipe_handler_duration_seconds",
			Help:    "Event handler latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"routing_key"},
	)

	// DBConnectionPoolUsage tracks connection pool utilization percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailpipe_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
