package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

func TestCleanupVacuums(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Cleanup(context.Background()))
}

func TestStartScheduledCleanupRejectsBadSpec(t *testing.T) {
	s := openTestStore(t)
	_, err := s.StartScheduledCleanup("not a cron spec", nil)
	require.Error(t, err)
	require.Equal(t, errs.BadArgs, errs.KindOf(err))
}

func TestStartScheduledCleanupStartsAndStops(t *testing.T) {
	s := openTestStore(t)
	sc, err := s.StartScheduledCleanup("17 3 * * *", nil)
	require.NoError(t, err)
	sc.Stop()
}
