package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "memory.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendMessageRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx, "test conversation")
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.AppendMessage(ctx, convID, RoleUser, "hello", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	got, err := s.GetConversationWithMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Len(t, got.Messages, 5)
	for i, m := range got.Messages {
		require.Equal(t, ids[i], m.ID)
	}
}

func TestAppendMessageMissingConversation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage(context.Background(), "does-not-exist", RoleUser, "hi", nil)
	require.Error(t, err)
}

func TestUpdateTaskRejectsLeavingTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := Task{TaskType: "diagnose", Description: "check disk", Status: TaskSucceeded}
	task.ID = "task-1"
	require.NoError(t, s.RecordTask(ctx, task))

	running := TaskRunning
	err := s.UpdateTask(ctx, "task-1", TaskUpdate{Status: &running})
	require.Error(t, err)
}

func TestSemanticSearchThresholdAndOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx, "embeddings")
	require.NoError(t, err)

	id1, err := s.AppendMessage(ctx, convID, RoleAssistant, "close match", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetMessageEmbedding(ctx, id1, []float32{1, 0, 0}))

	id2, err := s.AppendMessage(ctx, convID, RoleAssistant, "far match", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetMessageEmbedding(ctx, id2, []float32{0, 1, 0}))

	results, err := s.SemanticSearch(ctx, []float32{1, 0, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, id1, results[0].ID)
}

func TestSemanticSearchDimensionMismatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx, "embeddings")
	require.NoError(t, err)
	id, err := s.AppendMessage(ctx, convID, RoleAssistant, "msg", nil)
	require.NoError(t, err)
	require.NoError(t, s.SetMessageEmbedding(ctx, id, []float32{1, 0, 0}))

	_, err = s.SemanticSearch(ctx, []float32{1, 0}, 0, 10)
	require.Error(t, err)
}

func TestEncryptedStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	s1, err := Open(Config{Path: path, Passphrase: "correct horse battery staple"})
	require.NoError(t, err)
	ctx := context.Background()
	convID, err := s1.CreateConversation(ctx, "secret")
	require.NoError(t, err)
	_, err = s1.AppendMessage(ctx, convID, RoleUser, "sensitive payload", nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(Config{Path: path, Passphrase: "correct horse battery staple"})
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetConversationWithMessages(ctx, convID, 0)
	require.NoError(t, err)
	require.Equal(t, "sensitive payload", got.Messages[0].Content)
}

func TestReopenEncryptedStoreWithoutPassphraseFailsWithBadKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.db")

	s1, err := Open(Config{Path: path, Passphrase: "correct horse battery staple"})
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	_, err = Open(Config{Path: path})
	require.Error(t, err)
	require.Equal(t, errs.BadKey, errs.KindOf(err))
}

func TestModelPerfStatsAggregation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, ms := range []int64{100, 200, 300} {
		require.NoError(t, s.RecordModelPerf(ctx, ModelPerformance{
			ModelName:       "llama3.1:8b",
			ResponseTimeMs:  ms,
			TokenCount:      50,
			ComputeCost:     0.001,
			TaskType:        "system",
			Outcome:         "success",
			RequestTimestamp: time.Now(),
		}))
	}

	stats, err := s.ModelPerfStats(ctx, "llama3.1:8b", time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Count)
	require.InDelta(t, 200, stats.AvgMs, 0.001)
}
