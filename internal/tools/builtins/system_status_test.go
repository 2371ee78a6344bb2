package builtins

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemStatusReportsCoreStats(t *testing.T) {
	res, err := SystemStatus{}.Execute(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Text(), "CPU Usage:")
	assert.Contains(t, res.Text(), "CPU Cores:")
	assert.Contains(t, res.Text(), "Memory:")
}

func TestSystemStatusVerboseIncludesProcessAndSwap(t *testing.T) {
	res, err := SystemStatus{}.Execute(context.Background(), []byte(`{"verbose": true}`))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, strings.Contains(res.Text(), "Process Count:"))
}

func TestSystemStatusRejectsInvalidJSON(t *testing.T) {
	res, err := SystemStatus{}.Execute(context.Background(), []byte(`not json`))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}
