package toolserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/tools"
)

type echoTool struct{}

func (echoTool) Name() string        { return "Echo" }
func (echoTool) Description() string { return "echoes its message argument" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"],"additionalProperties":false}`)
}
func (echoTool) Execute(ctx context.Context, args json.RawMessage) (*tools.ToolResult, error) {
	var a struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(args, &a)
	return tools.OkResult(a.Message), nil
}

type blockingTool struct{ done chan struct{} }

func (blockingTool) Name() string                       { return "Blocking" }
func (blockingTool) Description() string                { return "blocks until cancelled" }
func (blockingTool) Schema() json.RawMessage             { return json.RawMessage(`{"type":"object","additionalProperties":false}`) }
func (b blockingTool) Execute(ctx context.Context, _ json.RawMessage) (*tools.ToolResult, error) {
	<-ctx.Done()
	close(b.done)
	return nil, ctx.Err()
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	reg := tools.NewRegistry(5 * time.Second)
	require.NoError(t, reg.Register(echoTool{}))
	return NewSession(reg, nil, nil, nil, nil)
}

func TestSessionToolsList(t *testing.T) {
	s := newTestSession(t)
	resp := s.Handle(context.Background(), Request{ID: "1", Method: "tools/list"})
	require.Nil(t, resp.Error)

	var result ToolsListResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "Echo", result.Tools[0].Name)
}

func TestSessionToolsCall(t *testing.T) {
	s := newTestSession(t)
	params, _ := json.Marshal(ToolsCallParams{Name: "Echo", Arguments: json.RawMessage(`{"message":"hi"}`)})
	resp := s.Handle(context.Background(), Request{ID: "2", Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)

	var result ToolsCallResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
}

func TestSessionToolsCallUnknownMethod(t *testing.T) {
	s := newTestSession(t)
	resp := s.Handle(context.Background(), Request{ID: "3", Method: "bogus"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestSessionCancelStopsInFlightCall(t *testing.T) {
	reg := tools.NewRegistry(5 * time.Second)
	done := make(chan struct{})
	require.NoError(t, reg.Register(blockingTool{done: done}))
	s := NewSession(reg, nil, nil, nil, nil)

	params, _ := json.Marshal(ToolsCallParams{Name: "Blocking", Arguments: json.RawMessage(`{}`)})
	respCh := make(chan Response, 1)
	go func() {
		respCh <- s.Handle(context.Background(), Request{ID: "4", Method: "tools/call", Params: params})
	}()

	// Give the call a moment to register its cancel func.
	time.Sleep(20 * time.Millisecond)

	cancelParams, _ := json.Marshal(CancelParams{ID: "4"})
	cancelResp := s.Handle(context.Background(), Request{ID: "4-cancel", Method: "$/cancel", Params: cancelParams})
	require.Nil(t, cancelResp.Error)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocking tool was not cancelled")
	}

	resp := <-respCh
	require.NotNil(t, resp.Error)
	assert.Contains(t, []string{CodeCancelled, CodeExternalTool}, resp.Error.Code)
}
