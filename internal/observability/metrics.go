package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "codeagent"

// MetricsCollector holds all Prometheus metrics for codeagent.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Conversation loop metrics.
	RunsTotal      *prometheus.CounterVec
	RunRounds      prometheus.Histogram
	ActiveRuns     prometheus.Gauge
	ToolCallsInRun prometheus.Histogram

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total conversation runs by terminal phase.",
		}, []string{"phase", "reason"}),

		RunRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_rounds",
			Help:      "Model-response rounds per run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 20, 30},
		}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "active_runs",
			Help:      "Number of runs in progress.",
		}),

		ToolCallsInRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "run_tool_calls",
			Help:      "Tool calls dispatched per run.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"type", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"type"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-key rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.RunsTotal,
		m.RunRounds,
		m.ActiveRuns,
		m.ToolCallsInRun,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}
