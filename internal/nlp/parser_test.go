package nlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/router"
)

type fakeCompleter struct {
	reply string
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, intent router.Intent, userText string, opts router.Options) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func TestParseSystemStatus(t *testing.T) {
	p := New(nil)
	cmd, err := p.Parse(context.Background(), "show system status")
	require.NoError(t, err)

	assert.Equal(t, router.IntentSystemStatus, cmd.Intent)
	assert.Equal(t, "SystemStatus", cmd.Tool)
	assert.GreaterOrEqual(t, cmd.Confidence, 0.9)
	assert.NotEmpty(t, cmd.Suggestions)
}

func TestParseInstallNeverAutoConfirms(t *testing.T) {
	p := New(nil)
	cmd, err := p.Parse(context.Background(), "install docker")
	require.NoError(t, err)

	assert.Equal(t, router.IntentPackageManagement, cmd.Intent)
	assert.Equal(t, "docker", cmd.Arguments["package"])
	assert.Equal(t, false, cmd.Arguments["confirm"])
}

func TestParseDiagnose(t *testing.T) {
	p := New(nil)
	cmd, err := p.Parse(context.Background(), "diagnose ollama")
	require.NoError(t, err)

	assert.Equal(t, router.IntentDockerManagement, cmd.Intent)
	assert.Equal(t, "ollama", cmd.Arguments["target"])
}

func TestParseFallsBackToLLMOnLowConfidence(t *testing.T) {
	fc := &fakeCompleter{reply: `{"intent": "code", "tool": "", "arguments": {}, "confidence": 0.8}`}
	p := New(fc)

	cmd, err := p.Parse(context.Background(), "what's the weather like on mars")
	require.NoError(t, err)
	assert.Equal(t, 1, fc.calls)
	assert.Equal(t, router.IntentCode, cmd.Intent)
}

func TestParseRejectsMalformedLLMJSON(t *testing.T) {
	fc := &fakeCompleter{reply: "not json at all"}
	p := New(fc)

	cmd, err := p.Parse(context.Background(), "do the thing")
	require.NoError(t, err)
	assert.Equal(t, router.IntentUnknown, cmd.Intent)
}

func TestParseDoesNotFallBackWhenRuleConfident(t *testing.T) {
	fc := &fakeCompleter{reply: `{"intent": "code"}`}
	p := New(fc)

	_, err := p.Parse(context.Background(), "show system status")
	require.NoError(t, err)
	assert.Equal(t, 0, fc.calls)
}
