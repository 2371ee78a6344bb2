package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAssignsIDAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Path: filepath.Join(dir, "audit.log")})
	require.NoError(t, err)
	defer logger.Close()

	logger.Log(Record{Type: EventToolInvocation, Actor: "operator", Action: "SystemStatus", Outcome: OutcomeOK})

	recs := logger.Tail(10)
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
	assert.False(t, recs[0].Timestamp.IsZero())
}

func TestTailReturnsMostRecentBounded(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Path: filepath.Join(dir, "audit.log"), TailSize: 3})
	require.NoError(t, err)
	defer logger.Close()

	for i := 0; i < 5; i++ {
		logger.Log(Record{Type: EventToolInvocation, Action: "a"})
	}

	recs := logger.Tail(10)
	assert.Len(t, recs, 3)
}

func TestCloseFlushesBufferedRecordsToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")
	logger, err := NewLogger(Config{Path: path})
	require.NoError(t, err)

	logger.Log(Record{Type: EventAgentTransition, Actor: "agent-1", Action: "ready", Outcome: OutcomeOK})
	require.NoError(t, logger.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	var rec Record
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
	assert.Equal(t, EventAgentTransition, rec.Type)
	assert.Equal(t, "agent-1", rec.Actor)
}

func TestIsDestructiveFlagsKnownMarkers(t *testing.T) {
	assert.True(t, IsDestructive("sudo rm -rf /var/lib/docker"))
	assert.True(t, IsDestructive("pacman -S docker --noconfirm"))
	assert.False(t, IsDestructive("docker ps -a"))
}

func TestLogDoesNotBlockWhenBufferFull(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(Config{Path: filepath.Join(dir, "audit.log"), BufferSize: 1})
	require.NoError(t, err)
	defer logger.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			logger.Log(Record{Type: EventToolInvocation, Action: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked under a full buffer")
	}
}
