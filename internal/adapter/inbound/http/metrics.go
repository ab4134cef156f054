package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
// Pass to components that need to record metrics.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveSessions   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	RejectedTotal    *prometheus.CounterVec
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devopsgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devopsgate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "devopsgate",
				Name:      "active_sessions",
				Help:      "Number of live persistent sessions",
			},
		),
		SessionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devopsgate",
				Name:      "sessions_total",
				Help:      "Protocol sessions opened, by transport",
			},
			[]string{"transport"}, // transport=sse/stateless
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "devopsgate",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter",
			},
		),
		RejectedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devopsgate",
				Name:      "rejected_total",
				Help:      "Requests rejected before reaching a protocol server, by error code",
			},
			[]string{"code"},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "devopsgate",
				Name:      "tool_calls_total",
				Help:      "Tool calls, by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "devopsgate",
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds, including backend round trips",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
	}
}

// ObserveToolCall records one tool call.
func (m *Metrics) ObserveToolCall(name, outcome string, elapsed time.Duration) {
	m.ToolCallsTotal.WithLabelValues(name, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}
