// Package metrics exposes the Prometheus counters, histograms, and gauges
// tracking tool calls, LLM calls, agent restarts, and mesh traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the Prometheus collectors and the registry backing
// them. A dedicated registry (rather than the global DefaultRegisterer)
// lets multiple instances coexist safely in tests.
type Registry struct {
	registry *prometheus.Registry

	ToolCallsTotal      *prometheus.CounterVec
	LLMCallsTotal       *prometheus.CounterVec
	AgentRestartsTotal  *prometheus.CounterVec
	MeshMessagesTotal   *prometheus.CounterVec
	ToolCallLatency     *prometheus.HistogramVec
	LLMLatency          *prometheus.HistogramVec
	AgentsReady         prometheus.Gauge
	PeersConnected      prometheus.Gauge
}

// New builds a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,

		ToolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Total tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),

		LLMCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_calls_total",
			Help: "Total LLM completion calls by backend, intent, and outcome.",
		}, []string{"backend", "intent", "outcome"}),

		AgentRestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agent_restarts_total",
			Help: "Total restart attempts per agent.",
		}, []string{"agent"}),

		MeshMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mesh_messages_total",
			Help: "Total mesh messages sent by kind and outcome.",
		}, []string{"kind", "outcome"}),

		ToolCallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tool_call_latency_seconds",
			Help:    "Tool call duration in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		LLMLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llm_latency_seconds",
			Help:    "LLM completion call duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"backend", "intent"}),

		AgentsReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agents_ready",
			Help: "Number of agents currently in the ready state.",
		}),

		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peers_connected",
			Help: "Number of mesh peers with an active authenticated connection.",
		}),
	}
}

// Handler returns the plain-text HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveToolCall records a completed tool invocation.
func (r *Registry) ObserveToolCall(tool, outcome string, seconds float64) {
	r.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	r.ToolCallLatency.WithLabelValues(tool).Observe(seconds)
}

// ObserveLLMCall records a completed LLM call.
func (r *Registry) ObserveLLMCall(backend, intent, outcome string, seconds float64) {
	r.LLMCallsTotal.WithLabelValues(backend, intent, outcome).Inc()
	r.LLMLatency.WithLabelValues(backend, intent).Observe(seconds)
}

// RecordAgentRestart increments the restart counter for agentID — wire
// this directly as an agents.RestartHook.
func (r *Registry) RecordAgentRestart(agentID string) {
	r.AgentRestartsTotal.WithLabelValues(agentID).Inc()
}

// RecordMeshMessage increments the mesh message counter. Wire it to
// mesh.MetricsHook with a one-line adapter that stringifies the
// mesh.MessageKind argument.
func (r *Registry) RecordMeshMessage(kind, outcome string) {
	r.MeshMessagesTotal.WithLabelValues(kind, outcome).Inc()
}

// SetAgentsReady updates the agents_ready gauge.
func (r *Registry) SetAgentsReady(n int) {
	r.AgentsReady.Set(float64(n))
}

// SetPeersConnected updates the peers_connected gauge.
func (r *Registry) SetPeersConnected(n int) {
	r.PeersConnected.Set(float64(n))
}
