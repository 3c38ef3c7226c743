package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects runtime metrics for the world engine.
//
// Tracked series:
//   - Events published per world-bus channel
//   - Active realtime subscriptions
//   - Pending operations per world (activity tracker)
//   - LLM request counts and latency per provider/model
//   - Tool execution counts per tool and status
type Metrics struct {
	// EventsPublished counts events published on world buses.
	// Labels: channel (message|sse|world|system|tool)
	EventsPublished *prometheus.CounterVec

	// ActiveSubscriptions gauges currently installed realtime subscriptions.
	ActiveSubscriptions prometheus.Gauge

	// PendingOperations gauges in-flight LLM/tool operations per world.
	// Labels: world_id
	PendingOperations *prometheus.GaugeVec

	// LLMRequestCounter counts LLM calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error|denied)
	ToolExecutionCounter *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set registered on its own registry, so tests
// and embedders can create independent instances.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_events_published_total",
				Help: "Events published on world event buses.",
			},
			[]string{"channel"},
		),
		ActiveSubscriptions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agora_active_subscriptions",
				Help: "Currently installed realtime subscriptions.",
			},
		),
		PendingOperations: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agora_pending_operations",
				Help: "In-flight LLM and tool operations per world.",
			},
			[]string{"world_id"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_llm_requests_total",
				Help: "LLM completion requests.",
			},
			[]string{"provider", "model", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agora_llm_request_duration_seconds",
				Help:    "LLM completion latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agora_tool_executions_total",
				Help: "Tool invocations by outcome.",
			},
			[]string{"tool_name", "status"},
		),
	}
}

// Registry exposes the underlying registry for HTTP handler wiring.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
