package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remora_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remora_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Executions counts method executions by executor kind and outcome
	Executions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remora_executions_total",
			Help: "Total number of method executions",
		},
		[]string{"executor", "status"},
	)

	// ExecutionDuration tracks how long executions take end to end
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remora_execution_duration_seconds",
			Help:    "Execution duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"executor"},
	)

	// StreamSubscribers tracks live stream subscriptions per channel
	StreamSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remora_stream_subscribers",
			Help: "Number of active stream subscribers",
		},
		[]string{"channel"},
	)

	// StreamDrops tracks events dropped because a subscriber queue was full
	StreamDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remora_stream_drops_total",
			Help: "Total number of stream events dropped due to backpressure",
		},
		[]string{"channel"},
	)

	// RegistryObjects tracks live objects in the server registry
	RegistryObjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remora_registry_objects",
			Help: "Number of objects in the remote registry",
		},
	)

	// ToolCalls tracks MCP tool invocations
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remora_tool_calls_total",
			Help: "Total number of MCP tool calls",
		},
		[]string{"tool", "status"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for SSE support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for websocket upgrades
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", rw.ResponseWriter)
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath normalizes URL paths to avoid high cardinality
func normalizePath(path string) string {
	switch {
	case path == "/health", path == "/metrics":
		return path
	case path == "/mcp", strings.HasPrefix(path, "/mcp/"):
		return "/mcp"
	case strings.HasPrefix(path, "/api/v1/"):
		return path
	default:
		return "other"
	}
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExecution records one finished execution
func RecordExecution(executor string, err error, started time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	Executions.WithLabelValues(executor, status).Inc()
	ExecutionDuration.WithLabelValues(executor).Observe(time.Since(started).Seconds())
}

// RecordToolCall records an MCP tool invocation
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// RecordSubscribe adjusts the subscriber gauge for channel by delta
func RecordSubscribe(channel string, delta float64) {
	StreamSubscribers.WithLabelValues(channel).Add(delta)
}

// RecordStreamDrop records a dropped stream event
func RecordStreamDrop(channel string) {
	StreamDrops.WithLabelValues(channel).Inc()
}

// SetRegistryObjects sets the live object count
func SetRegistryObjects(count float64) {
	RegistryObjects.Set(count)
}
