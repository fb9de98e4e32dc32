package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the realtime layer.
// These are scraped from /metrics and visualized in Grafana; the in-process
// aggregates used for health and alerting live in the metrics package.
var (
	// Connection metrics
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections admitted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of admitted WebSocket connections",
	})

	admissionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_admissions_rejected_total",
		Help: "Connections refused because every worker was full",
	})

	authFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_auth_failures_total",
		Help: "Connections closed because the bearer token did not verify",
	})

	connectionRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_connection_rate_limited_total",
		Help: "Upgrade attempts refused by the connection rate limiter",
	}, []string{"scope"})

	panicsRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_goroutine_panics_total",
		Help: "Panics recovered in long-lived goroutines",
	}, []string{"goroutine"})

	connectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ws_connection_duration_seconds",
		Help:    "Connection duration before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}, // 1s to 1hr
	})

	// Message metrics
	messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of frames delivered to clients",
	})

	messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_delivery_failures_total",
		Help: "Per-recipient delivery failures (the connection is evicted)",
	})

	rateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_rate_limited_messages_total",
		Help: "Total number of inbound messages rejected by the per-connection limiter",
	})

	protocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_protocol_errors_total",
		Help: "Error frames sent to clients by error code",
	}, []string{"code"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ws_delivery_latency_seconds",
		Help:    "Latency of send and broadcast operations",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"kind"})

	// Worker metrics
	workerCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_workers",
		Help: "Number of workers currently running in the connection pool",
	})

	workerConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_worker_connections",
		Help: "Connections held by each worker",
	}, []string{"worker"})

	workerQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ws_worker_queue_depth",
		Help: "Tasks waiting in each worker queue",
	}, []string{"worker"})

	poolUtilization = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_pool_utilization_ratio",
		Help: "Active connections divided by current pool capacity",
	})

	// Health and alerting
	healthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_health_score",
		Help: "Health score from 0 (unhealthy) to 100 (healthy)",
	})

	alertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_alerts_raised_total",
		Help: "Alerts raised by severity",
	}, []string{"severity"})

	// System metrics
	cpuUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_cpu_usage_percent",
		Help: "Host CPU usage percentage",
	})

	memoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_memory_usage_bytes",
		Help: "Resident memory of the process in bytes",
	})

	goroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_goroutines_active",
		Help: "Current number of goroutines",
	})
)

func init() {
	prometheus.MustRegister(
		connectionsTotal,
		connectionsActive,
		admissionsRejected,
		authFailures,
		connectionRateLimited,
		connectionDuration,
		panicsRecovered,
		messagesSent,
		messagesReceived,
		bytesReceived,
		deliveryFailures,
		rateLimitedMessages,
		protocolErrors,
		deliveryLatency,
		workerCount,
		workerConnections,
		workerQueueDepth,
		poolUtilization,
		healthScore,
		alertsRaised,
		cpuUsagePercent,
		memoryUsageBytes,
		goroutinesActive,
	)
}

// HandleMetrics serves Prometheus metrics
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordConnect counts an admitted connection.
func RecordConnect() {
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

// RecordDisconnect counts a finished connection and its lifetime.
func RecordDisconnect(duration time.Duration) {
	connectionsActive.Dec()
	connectionDuration.Observe(duration.Seconds())
}

func RecordAdmissionRejected() { admissionsRejected.Inc() }

func RecordAuthFailure() { authFailures.Inc() }

// IncrementConnectionRateLimit records an upgrade refused by the connection
// rate limiter. scope is "global" or "per_ip".
func IncrementConnectionRateLimit(scope string) {
	connectionRateLimited.WithLabelValues(scope).Inc()
}

func RecordMessageReceived(size int) {
	messagesReceived.Inc()
	bytesReceived.Add(float64(size))
}

// RecordDelivery records the outcome of one send or broadcast operation.
func RecordDelivery(kind string, delivered, failed int, latency time.Duration) {
	messagesSent.Add(float64(delivered))
	deliveryFailures.Add(float64(failed))
	deliveryLatency.WithLabelValues(kind).Observe(latency.Seconds())
}

func IncrementRateLimitedMessages() { rateLimitedMessages.Inc() }

func RecordProtocolError(code string) {
	protocolErrors.WithLabelValues(code).Inc()
}

// UpdateWorkerMetrics publishes per-worker gauges.
func UpdateWorkerMetrics(workerID, connections, queueDepth int) {
	label := strconv.Itoa(workerID)
	workerConnections.WithLabelValues(label).Set(float64(connections))
	workerQueueDepth.WithLabelValues(label).Set(float64(queueDepth))
}

func UpdatePoolMetrics(workers int, utilization float64) {
	workerCount.Set(float64(workers))
	poolUtilization.Set(utilization)
}

func SetHealthScore(score float64) { healthScore.Set(score) }

func RecordAlertRaised(severity string) {
	alertsRaised.WithLabelValues(severity).Inc()
}

// UpdateSystemMetrics publishes the latest system sample.
func UpdateSystemMetrics(cpuPercent float64, memoryBytes uint64, goroutines int) {
	cpuUsagePercent.Set(cpuPercent)
	memoryUsageBytes.Set(float64(memoryBytes))
	goroutinesActive.Set(float64(goroutines))
}
