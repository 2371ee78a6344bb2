package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveToolCallUpdatesCounterAndHistogram(t *testing.T) {
	reg := New()
	reg.ObserveToolCall("SystemStatus", "ok", 0.05)
	reg.ObserveToolCall("SystemStatus", "error", 1.2)

	assert.Equal(t, float64(1), testutil.ToFloat64(reg.ToolCallsTotal.WithLabelValues("SystemStatus", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.ToolCallsTotal.WithLabelValues("SystemStatus", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(reg.ToolCallLatency))
}

func TestAgentRestartHookIncrementsPerAgent(t *testing.T) {
	reg := New()
	reg.RecordAgentRestart("agent-1")
	reg.RecordAgentRestart("agent-1")
	reg.RecordAgentRestart("agent-2")

	assert.Equal(t, float64(2), testutil.ToFloat64(reg.AgentRestartsTotal.WithLabelValues("agent-1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(reg.AgentRestartsTotal.WithLabelValues("agent-2")))
}

func TestGaugesReflectLastSetValue(t *testing.T) {
	reg := New()
	reg.SetAgentsReady(3)
	reg.SetPeersConnected(5)

	assert.Equal(t, float64(3), testutil.ToFloat64(reg.AgentsReady))
	assert.Equal(t, float64(5), testutil.ToFloat64(reg.PeersConnected))
}

func TestHandlerServesPlainTextExposition(t *testing.T) {
	reg := New()
	reg.ObserveLLMCall("ollama", "devops", "ok", 0.4)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "llm_calls_total")
}
