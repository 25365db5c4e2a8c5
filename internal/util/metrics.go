package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_operations_total",
		Help: "Total number of ledger operations by operation and outcome",
	}, []string{"op", "outcome"})

	LedgerConflictRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_conflict_retries_total",
		Help: "Total number of optimistic concurrency retries by operation",
	}, []string{"op"})

	LedgerOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Latency of ledger operations including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	ReservationsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservations_created_total",
		Help: "Total number of reservations created by aggregate status",
	}, []string{"status"})

	ReservationLinesFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reservation_lines_failed_total",
		Help: "Total number of reservation lines that could not be reserved",
	})

	ReservationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_transitions_total",
		Help: "Total number of reservation state transitions by target status",
	}, []string{"status"})

	ReservationTransitionsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_transitions_failed_total",
		Help: "Total number of rejected or failed reservation transitions",
	}, []string{"status", "reason"})

	CreateReservationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "create_reservation_latency_seconds",
		Help:    "Latency of multi-line reservation creation",
		Buckets: prometheus.DefBuckets,
	})

	IntakeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "order_intake_queue_depth",
		Help: "Number of orders waiting in the intake queue",
	})

	IntakeOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_intake_total",
		Help: "Total number of orders received from the bus by outcome",
	}, []string{"outcome"})

	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reservation_notifications_total",
		Help: "Total number of reservation outcome notifications by outcome",
	}, []string{"outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
