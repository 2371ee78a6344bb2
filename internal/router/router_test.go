package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/errs"
	"github.com/jarvis-ops/jarvis/internal/llm"
	"github.com/jarvis-ops/jarvis/internal/memory"
)

type fakeBackend struct {
	name    string
	healthy bool
	err     error
	reply   string
	calls   int
}

func (f *fakeBackend) Name() string { return f.name }
func (f *fakeBackend) Health(ctx context.Context) llm.Health {
	if f.healthy {
		return llm.Health{}
	}
	return llm.Health{Reason: "down"}
}
func (f *fakeBackend) ListModels(ctx context.Context) []string { return nil }
func (f *fakeBackend) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Choices: []llm.Choice{{Message: llm.Message{Role: llm.RoleAssistant, Content: f.reply}}}}, nil
}
func (f *fakeBackend) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.ChunkEvent, error) {
	return nil, f.err
}

type recordingPerf struct {
	rows []memory.ModelPerformance
}

func (r *recordingPerf) RecordModelPerf(ctx context.Context, row memory.ModelPerformance) error {
	r.rows = append(r.rows, row)
	return nil
}

func TestAskPrefersHealthyGateway(t *testing.T) {
	gw := &fakeBackend{name: "gateway", healthy: true, reply: "from gateway"}
	local := &fakeBackend{name: "local", healthy: true, reply: "from local"}
	perf := &recordingPerf{}

	r := New(Config{Gateway: gw, Local: local, IntentModels: map[string]string{"unknown": "llama3.1:8b"}, Perf: perf})

	resp, err := r.Ask(context.Background(), IntentUnknown, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	require.Equal(t, "from gateway", resp.Choices[0].Message.Content)
	require.Equal(t, 1, gw.calls)
	require.Equal(t, 0, local.calls)
	require.Len(t, perf.rows, 1)
	require.Equal(t, "success", perf.rows[0].Outcome)
}

func TestAskFallsBackOnUnavailable(t *testing.T) {
	gw := &fakeBackend{name: "gateway", healthy: true, err: errs.New(errs.Unavailable, "llm.gateway", "chat", nil)}
	local := &fakeBackend{name: "local", healthy: true, reply: "from local"}
	perf := &recordingPerf{}

	r := New(Config{Gateway: gw, Local: local, IntentModels: map[string]string{"unknown": "llama3.1:8b"}, Perf: perf})

	resp, err := r.Ask(context.Background(), IntentUnknown, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, Options{})
	require.NoError(t, err)
	require.Equal(t, "from local", resp.Choices[0].Message.Content)
	require.Equal(t, 1, gw.calls)
	require.Equal(t, 1, local.calls)
}

func TestAskReturnsUnavailableWhenBothDown(t *testing.T) {
	gw := &fakeBackend{name: "gateway", healthy: false}
	local := &fakeBackend{name: "local", healthy: false}
	perf := &recordingPerf{}

	r := New(Config{Gateway: gw, Local: local, Perf: perf})

	_, err := r.Ask(context.Background(), IntentUnknown, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, Options{})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.Unavailable))
	require.Len(t, perf.rows, 1)
	require.Equal(t, "unavailable", perf.rows[0].Outcome)
}

func TestAskDoesNotFailoverOnBadArgs(t *testing.T) {
	gw := &fakeBackend{name: "gateway", healthy: true, err: errs.New(errs.BadArgs, "llm.gateway", "chat", nil)}
	local := &fakeBackend{name: "local", healthy: true, reply: "from local"}
	perf := &recordingPerf{}

	r := New(Config{Gateway: gw, Local: local, Perf: perf})

	_, err := r.Ask(context.Background(), IntentUnknown, []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, Options{})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.BadArgs))
	require.Equal(t, 0, local.calls)
}
