// Package metrics holds the Prometheus collectors. They register on the
// default registry at init and are served by the observability HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Polling
var (
	// PollsTotal counts finished polls by result (ok, source_unavailable, unknown_identity, persistence_failure, error).
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_polls_total",
			Help: "Finished polls by result",
		},
		[]string{"result"},
	)

	PollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "steamwatch_poll_duration_seconds",
			Help:    "Wall time of one poll cycle (fetch, detect, dispatch, persist)",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	PollsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steamwatch_polls_in_flight",
			Help: "Polls currently holding a pool slot",
		},
	)

	TrackedIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steamwatch_tracked_identities",
			Help: "Identities with a schedule entry",
		},
	)

	DegradedIdentities = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steamwatch_degraded_identities",
			Help: "Identities the source reported as not found",
		},
	)
)

// Detection and delivery
var (
	EventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_events_detected_total",
			Help: "Transitions detected by kind",
		},
		[]string{"kind"},
	)

	// DeliveriesTotal counts per-group deliveries by channel and result (sent, failed, deduped, dropped).
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_deliveries_total",
			Help: "Per-group deliveries by channel and result",
		},
		[]string{"channel", "result"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steamwatch_delivery_duration_seconds",
			Help:    "Delivery channel call latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "steamwatch_dispatch_queue_depth",
			Help: "Delivery jobs waiting across all lanes",
		},
	)
)

// Steam API
var (
	SteamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_steam_requests_total",
			Help: "Steam Web API requests by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	SteamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "steamwatch_steam_request_duration_seconds",
			Help:    "Steam Web API request latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint"},
	)

	// CircuitBreakerState tracks current breaker state (0=closed, 1=half-open, 2=open).
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "steamwatch_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)

	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_circuit_breaker_state_changes_total",
			Help: "Circuit breaker transitions by component and new state",
		},
		[]string{"component", "state"},
	)
)

// Storage and runtime
var (
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_storage_errors_total",
			Help: "Failed store writes by operation",
		},
		[]string{"op"},
	)

	SupervisorRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_supervisor_restarts_total",
			Help: "Supervised goroutine restarts by name",
		},
		[]string{"name"},
	)

	SupervisorPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_supervisor_panics_total",
			Help: "Recovered panics by goroutine name",
		},
		[]string{"name"},
	)

	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_maintenance_runs_total",
			Help: "Maintenance job runs by job and result",
		},
		[]string{"job", "result"},
	)

	BusEventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "steamwatch_bus_events_dropped_total",
			Help: "Internal bus events dropped on slow subscribers",
		},
		[]string{"type"},
	)
)
