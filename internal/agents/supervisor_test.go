package agents

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvis-ops/jarvis/internal/errs"
)

type flakyWorker struct {
	mu        sync.Mutex
	starts    int
	failUntil int
}

func (w *flakyWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	w.starts++
	n := w.starts
	w.mu.Unlock()

	if n <= w.failUntil {
		return errors.New("boom")
	}
	<-ctx.Done()
	return nil
}

func (w *flakyWorker) startCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.starts
}

type blockingForeverWorker struct{}

func (blockingForeverWorker) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestRestartOnFailureRetriesWithBackoffThenStarts(t *testing.T) {
	var restarts atomic.Int32
	sup := New(SupervisorConfig{OnRestart: func(string) { restarts.Add(1) }})

	w := &flakyWorker{failUntil: 3}
	id, err := sup.RegisterAgent("worker", nil, RestartOnFailure, 0, Limits{}, w)
	require.NoError(t, err)
	require.NoError(t, sup.Start(id))

	require.Eventually(t, func() bool { return restarts.Load() == 3 }, 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return w.startCount() == 4 }, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, sup.Stop(id))
	records := sup.List()
	require.Len(t, records, 1)
	assert.Equal(t, StateStopped, records[0].State)
}

func TestRestartNeverDoesNotRestart(t *testing.T) {
	var restarts atomic.Int32
	sup := New(SupervisorConfig{OnRestart: func(string) { restarts.Add(1) }})

	w := &flakyWorker{failUntil: 100}
	id, err := sup.RegisterAgent("worker", nil, RestartNever, 0, Limits{}, w)
	require.NoError(t, err)
	require.NoError(t, sup.Start(id))

	require.Eventually(t, func() bool {
		records := sup.List()
		return len(records) == 1 && records[0].State == StateStopped
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(0), restarts.Load())
	assert.Equal(t, 1, w.startCount())
}

func TestSubmitTaskRoutesByPriorityThenQueueDepth(t *testing.T) {
	sup := New(SupervisorConfig{QueueGrace: 200 * time.Millisecond})

	lowID, err := sup.RegisterAgent("worker", []string{"docker"}, RestartNever, 1, Limits{}, blockingForeverWorker{})
	require.NoError(t, err)
	highID, err := sup.RegisterAgent("worker", []string{"docker"}, RestartNever, 5, Limits{}, blockingForeverWorker{})
	require.NoError(t, err)
	require.NoError(t, sup.Start(lowID))
	require.NoError(t, sup.Start(highID))

	require.Eventually(t, func() bool {
		for _, r := range sup.List() {
			if r.State != StateReady {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	chosen, err := sup.SubmitTask(context.Background(), TaskSpec{ID: "t1", CapabilitySet: []string{"docker"}})
	require.NoError(t, err)
	assert.Equal(t, highID, chosen)
}

func TestSubmitTaskFailsWithNoAgentWhenNoneReady(t *testing.T) {
	sup := New(SupervisorConfig{QueueGrace: 50 * time.Millisecond})
	_, err := sup.RegisterAgent("worker", []string{"docker"}, RestartNever, 0, Limits{}, blockingForeverWorker{})
	require.NoError(t, err)
	// Never started: stays in StateStarting, never becomes ready.

	_, err = sup.SubmitTask(context.Background(), TaskSpec{ID: "t1", CapabilitySet: []string{"docker"}})
	require.Error(t, err)
	assert.Equal(t, errs.NoAgent, errs.KindOf(err))
}

func TestHeartbeatMissesDegradeThenForceStop(t *testing.T) {
	sup := New(SupervisorConfig{HeartbeatInterval: 30 * time.Millisecond})
	id, err := sup.RegisterAgent("worker", nil, RestartNever, 0, Limits{}, blockingForeverWorker{})
	require.NoError(t, err)
	require.NoError(t, sup.Start(id))

	require.Eventually(t, func() bool {
		records := sup.List()
		return len(records) == 1 && records[0].State == StateReady
	}, time.Second, 10*time.Millisecond)

	// Never call Heartbeat again; let the monitor tick past the miss thresholds.
	sup.checkHeartbeats() // still within the interval -- counts no miss
	time.Sleep(40 * time.Millisecond)
	sup.checkHeartbeats() // miss
	sup.checkHeartbeats() // miss -> degraded
	assert.Equal(t, StateDegraded, sup.List()[0].State)

	sup.checkHeartbeats() // miss
	sup.checkHeartbeats() // miss -> forced stop
	require.Eventually(t, func() bool {
		records := sup.List()
		return len(records) == 1 && records[0].State == StateStopped
	}, time.Second, 10*time.Millisecond)
}
