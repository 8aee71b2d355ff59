// Package metrics exposes Prometheus instrumentation for the relay proxy:
// HTTP request counters/latencies plus a few relay-specific gauges, scraped
// from the /metrics endpoint on the public HTTP server.
package metrics

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayproxy_http_requests_total",
			Help: "Total number of HTTP requests processed.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayproxy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	relayConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayproxy_relay_connected",
			Help: "Whether the browser relay channel currently has a primary connection (1) or not (0).",
		},
	)

	rotationSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayproxy_rotation_switches_total",
			Help: "Total number of credential rotation attempts, labelled by outcome.",
		},
		[]string{"outcome"},
	)

	activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayproxy_active_requests",
			Help: "Number of in-flight requests currently accepted by the rotation controller.",
		},
	)

	registered atomic.Bool
)

// Register registers all collectors with the default Prometheus registry.
// Safe to call more than once.
func Register() {
	if !registered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		relayConnected,
		rotationSwitchesTotal,
		activeRequests,
	)
}

// Middleware returns a gin.HandlerFunc that records request count and
// latency for every request except the /metrics scrape itself.
func Middleware() gin.HandlerFunc {
	Register()
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := normalizePath(c.Request.URL.Path)
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler.
func Handler() gin.HandlerFunc {
	Register()
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// SetRelayConnected updates the relay-connected gauge.
func SetRelayConnected(connected bool) {
	if connected {
		relayConnected.Set(1)
	} else {
		relayConnected.Set(0)
	}
}

// SetActiveRequests updates the active-requests gauge.
func SetActiveRequests(n int) {
	activeRequests.Set(float64(n))
}

// RecordRotationSwitch records a rotation attempt's outcome ("success" or
// "failure").
func RecordRotationSwitch(outcome string) {
	rotationSwitchesTotal.WithLabelValues(outcome).Inc()
}

// normalizePath collapses the handful of known route shapes so per-request
// model/account identifiers never become Prometheus label values.
func normalizePath(path string) string {
	switch {
	case path == "/v1/models":
		return "/v1/models"
	case path == "/v1/chat/completions":
		return "/v1/chat/completions"
	case len(path) >= 8 && path[:8] == "/v1beta/":
		return "/v1beta/*"
	case len(path) >= 6 && path[:6] == "/admin":
		return "/admin/*"
	default:
		if len(path) > 50 {
			return path[:50] + "..."
		}
		return path
	}
}
