package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects daemon-level Prometheus metrics: run lifecycle, tool
// execution, event log throughput, and approval backlog.
type Metrics struct {
	// RunsStarted counts agent runs begun, by provider.
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts terminal run outcomes.
	// Labels: outcome (finished|failed|max_steps)
	RunsFinished *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	ToolDuration *prometheus.HistogramVec

	// ModelRequestDuration measures model completion latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// EventsAppended counts events appended to the session log by kind.
	EventsAppended *prometheus.CounterVec

	// PendingApprovals tracks permission requests awaiting a reply.
	PendingApprovals prometheus.Gauge

	// HTTPRequests counts API requests.
	// Labels: method, path, status
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg (pass nil to use the default
// registerer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_runs_started_total",
			Help: "Agent runs started.",
		}, []string{"provider"}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_runs_finished_total",
			Help: "Agent runs reaching a terminal state.",
		}, []string{"outcome"}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_tool_executions_total",
			Help: "Tool invocations by tool and status.",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchwork_tool_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		ModelRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchwork_model_request_duration_seconds",
			Help:    "Model completion latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		EventsAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_events_appended_total",
			Help: "Events appended to session logs by kind.",
		}, []string{"kind"}),
		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "patchwork_pending_approvals",
			Help: "Permission requests awaiting a reply.",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_http_requests_total",
			Help: "API requests by method, route, and status.",
		}, []string{"method", "path", "status"}),
	}
}
