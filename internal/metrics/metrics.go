package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardian",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "autopilot_cycles_total",
		Help:      "Total autopilot cycles by outcome (completed, canceled, skipped).",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guardian",
		Name:      "autopilot_cycle_duration_seconds",
		Help:      "Duration of a full autopilot cycle in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "probes_total",
		Help:      "Total health probes by protocol and outcome.",
	}, []string{"protocol", "outcome"})

	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guardian",
		Name:      "probe_duration_seconds",
		Help:      "Health probe latency in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"protocol"})

	PlansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "plans_total",
		Help:      "Total plans obtained from the planning service, by source (planner, fallback).",
	}, []string{"source"})

	PolicyDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "policy_decisions_total",
		Help:      "Total policy gate verdicts by verdict type.",
	}, []string{"verdict"})

	ThreadResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "thread_resolutions_total",
		Help:      "Total HITL thread resolutions by decision (approved, rejected, conflict).",
	}, []string{"decision"})

	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "actions_total",
		Help:      "Total executed actions by outcome (succeeded, failed, skipped).",
	}, []string{"outcome"})

	AuditDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "guardian",
		Name:      "audit_drops_total",
		Help:      "Audit events that could not be delivered to the sink.",
	})

	PausedThreads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "guardian",
		Name:      "paused_threads",
		Help:      "Number of HITL threads currently awaiting human resolution.",
	})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath buckets URL paths to avoid high cardinality.
// It keeps the first two path segments and replaces the rest with a placeholder.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	switch {
	case p == "/healthz" || p == "/readyz" || p == "/metrics":
		return p
	}
	// For API paths like /v1/threads/th_123/resume, keep /v1/threads
	segments := 0
	for i := 1; i < len(p); i++ {
		if p[i] == '/' {
			segments++
			if segments >= 2 {
				return p[:i]
			}
		}
	}
	return p
}
