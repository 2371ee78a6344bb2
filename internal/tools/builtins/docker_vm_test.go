package builtins

import (
	"context"
	"testing"

	"github.com/jarvis-ops/jarvis/internal/router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
	intent router.Intent
}

func (f *fakeCompleter) Complete(ctx context.Context, intent router.Intent, userText string, opts router.Options) (string, error) {
	f.calls++
	f.intent = intent
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func TestDockerVMUnknownActionIsBadArgs(t *testing.T) {
	d := DockerVM{}
	res, err := d.Execute(context.Background(), []byte(`{"action": "bogus"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDockerVMInspectRequiresTarget(t *testing.T) {
	d := DockerVM{}
	res, err := d.Execute(context.Background(), []byte(`{"action": "inspect"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Text(), "requires target")
}

func TestDockerVMStartRequiresTarget(t *testing.T) {
	d := DockerVM{}
	res, err := d.Execute(context.Background(), []byte(`{"action": "start"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDockerVMProfileRequiresTarget(t *testing.T) {
	d := DockerVM{}
	res, err := d.Execute(context.Background(), []byte(`{"action": "profile"}`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDockerVMDiagnoseAppendsAIAnalysisWhenAssisted(t *testing.T) {
	fc := &fakeCompleter{reply: "restart the container; it OOM-killed"}
	d := DockerVM{Router: fc}

	res, err := d.diagnose(context.Background(), dockerVMArgs{Target: "web", LLMAssist: true})
	require.NoError(t, err)
	require.NotNil(t, res)

	text := res.Text()
	statusIdx := indexOf(text, "Status:")
	logsIdx := indexOf(text, "Recent Logs")
	analysisIdx := indexOf(text, "AI Analysis")

	require.GreaterOrEqual(t, statusIdx, 0)
	require.GreaterOrEqual(t, logsIdx, 0)
	require.GreaterOrEqual(t, analysisIdx, 0)
	assert.Less(t, statusIdx, logsIdx)
	assert.Less(t, logsIdx, analysisIdx)

	assert.Equal(t, 1, fc.calls)
	assert.Equal(t, router.IntentDevOps, fc.intent)
}

func TestDockerVMDiagnoseSkipsAIAnalysisWithoutAssist(t *testing.T) {
	fc := &fakeCompleter{reply: "unused"}
	d := DockerVM{Router: fc}

	res, err := d.diagnose(context.Background(), dockerVMArgs{Target: "web", LLMAssist: false})
	require.NoError(t, err)
	assert.Equal(t, 0, fc.calls)
	assert.NotContains(t, res.Text(), "AI Analysis")
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
