package celeris

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/albertbausili/celeris-h3/internal/h3/conn"
	"github.com/albertbausili/celeris-h3/internal/h3/transport"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celeris_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "celeris_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "celeris_http_requests_in_flight",
			Help: "Current number of HTTP requests being served",
		},
	)

	// streamOutcomes counts finished request streams by the HTTP/3 code
	// they ended with; H3_NO_ERROR is a complete exchange.
	streamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "celeris_h3_request_streams_completed_total",
			Help: "Request streams completed, by HTTP/3 error code",
		},
		[]string{"code"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "celeris_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusConfig holds configuration for Prometheus metrics middleware.
type PrometheusConfig struct {
	// Subsystem is the Prometheus subsystem name (default: "http")
	Subsystem string
	// SkipPaths lists paths to skip metrics collection (e.g., /metrics, /health)
	SkipPaths []string
	// Buckets defines histogram buckets for request duration
	Buckets []float64
}

// DefaultPrometheusConfig returns a PrometheusConfig with sensible defaults.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Subsystem: "http",
		SkipPaths: []string{"/metrics"},
		Buckets:   prometheus.DefBuckets,
	}
}

// Prometheus returns a middleware that collects Prometheus metrics.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig returns a middleware that collects Prometheus metrics with custom configuration.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[routeLabel(ctx.Path())] {
				return next.ServeHTTP3(ctx)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next.ServeHTTP3(ctx)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(ctx.Status())
			if err != nil {
				status = "500"
			}
			method := ctx.Method()
			path := routeLabel(ctx.Path())

			httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)

			httpResponseSize.WithLabelValues(method, path, status).Observe(float64(ctx.ResponseSize()))

			return err
		})
	}
}

// routeLabel drops the query so label cardinality stays bounded by paths.
func routeLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

func observeStreamOutcome(code transport.ErrorCode) {
	streamOutcomes.WithLabelValues(conn.CodeName(code)).Inc()
}
