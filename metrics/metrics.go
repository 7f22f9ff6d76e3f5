package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabspace_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collabspace_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Collaboration metrics
	websocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabspace_websocket_connections",
			Help: "Number of active WebSocket connections",
		},
	)

	workspacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabspace_workspaces_active",
			Help: "Number of workspaces with at least one connected user",
		},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabspace_operations_total",
			Help: "Total number of file operations processed",
		},
		[]string{"type", "result"}, // insert/delete/replace x applied/rejected/noop
	)

	lockRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabspace_lock_requests_total",
			Help: "Total number of lock acquisition requests",
		},
		[]string{"result"}, // granted, rejected
	)

	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabspace_events_published_total",
			Help: "Total number of events published to the cross-instance bus",
		},
		[]string{"result"}, // success, failure
	)

	terminalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabspace_terminals_active",
			Help: "Number of shared terminals started on this instance",
		},
	)

	debugSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "collabspace_debug_sessions_active",
			Help: "Number of shared debug sessions started on this instance",
		},
	)

	// Error metrics
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collabspace_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
)

// PrometheusMiddleware creates a Fiber middleware for Prometheus metrics
func PrometheusMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		// Record metrics
		duration := time.Since(start).Seconds()
		method := c.Method()
		path := c.Route().Path
		if path == "" {
			path = c.Path()
		}
		statusCode := strconv.Itoa(c.Response().StatusCode())

		httpRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(duration)

		return err
	}
}

// UpdateWebSocketConnections updates the WebSocket connections gauge
func UpdateWebSocketConnections(count int) {
	websocketConnections.Set(float64(count))
}

// SetActiveWorkspaces updates the active workspaces gauge
func SetActiveWorkspaces(count int) {
	workspacesActive.Set(float64(count))
}

// IncrementOperation counts one processed file operation
func IncrementOperation(opType, result string) {
	operationsTotal.WithLabelValues(opType, result).Inc()
}

// IncrementLockRequest counts one lock acquisition attempt
func IncrementLockRequest(result string) {
	lockRequestsTotal.WithLabelValues(result).Inc()
}

// IncrementEventPublish counts one bus publish attempt
func IncrementEventPublish(result string) {
	eventsPublishedTotal.WithLabelValues(result).Inc()
}

// AddTerminalsActive adjusts the shared terminals gauge
func AddTerminalsActive(delta int) {
	terminalsActive.Add(float64(delta))
}

// AddDebugSessionsActive adjusts the shared debug sessions gauge
func AddDebugSessionsActive(delta int) {
	debugSessionsActive.Add(float64(delta))
}

// IncrementError increments error counter
func IncrementError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}
