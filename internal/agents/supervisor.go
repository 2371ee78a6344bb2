package agents

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jarvis-ops/jarvis/internal/backoff"
	"github.com/jarvis-ops/jarvis/internal/errs"
)

// DefaultHeartbeatInterval is the default interval an agent is expected to
// report a heartbeat within.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultQueueGrace is how long submit_task waits for a ready agent before
// failing with NoAgent.
const DefaultQueueGrace = 5 * time.Second

// restartBackoffPolicy targets the ~1s/2s/4s progression (±jitter) the
// restart policy calls for, capped at 5 minutes.
var restartBackoffPolicy = backoff.BackoffPolicy{
	InitialMs: 1000,
	MaxMs:     5 * 60 * 1000,
	Factor:    2,
	Jitter:    0.25,
}

type agentEntry struct {
	record AgentRecord
	worker Worker

	cancel     context.CancelFunc
	runDone    chan struct{}
	manualStop bool

	restartAttempt int
	restartHistory []RestartRecord
	missed         int
	usage          ResourceUsage
}

// RestartHook is invoked once per restart attempt, after the backoff delay
// decision is made but before the agent is relaunched — the natural place
// to increment an agent_restarts_total counter.
type RestartHook func(agentID string)

// Supervisor owns AgentRecords and the worker goroutines backing them.
type Supervisor struct {
	mu     sync.Mutex
	agents map[string]*agentEntry
	logger *slog.Logger

	heartbeatInterval time.Duration
	queueGrace        time.Duration
	onRestart         RestartHook
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	HeartbeatInterval time.Duration
	QueueGrace        time.Duration
	OnRestart         RestartHook
	Logger            *slog.Logger
}

// New builds a Supervisor with no registered agents.
func New(cfg SupervisorConfig) *Supervisor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.QueueGrace <= 0 {
		cfg.QueueGrace = DefaultQueueGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		agents:            make(map[string]*agentEntry),
		logger:            cfg.Logger.With("component", component),
		heartbeatInterval: cfg.HeartbeatInterval,
		queueGrace:        cfg.QueueGrace,
		onRestart:         cfg.OnRestart,
	}
}

// RegisterAgent adds a new AgentRecord backed by worker, in the Starting
// state, and returns its generated id.
func (s *Supervisor) RegisterAgent(kind string, capabilities []string, policy RestartPolicy, priority int, limits Limits, worker Worker) (string, error) {
	if worker == nil {
		return "", errs.New(errs.BadArgs, component, "register_agent", fmt.Errorf("worker is required"))
	}

	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[id] = &agentEntry{
		record: AgentRecord{
			ID:            id,
			Kind:          kind,
			Capabilities:  append([]string(nil), capabilities...),
			State:         StateStarting,
			RestartPolicy: policy,
			Priority:      priority,
			Limits:        limits,
			LastHeartbeat: time.Now(),
		},
		worker: worker,
	}
	return id, nil
}

// Start launches the agent's worker loop, restarting it per its restart
// policy whenever the worker exits (unless the exit was triggered by Stop).
func (s *Supervisor) Start(agentID string) error {
	s.mu.Lock()
	e, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.NotFound, component, "start", fmt.Errorf("agent %q not registered", agentID))
	}
	if e.cancel != nil {
		s.mu.Unlock()
		return errs.New(errs.Invariant, component, "start", fmt.Errorf("agent %q is already running", agentID))
	}
	e.manualStop = false
	done := make(chan struct{})
	e.runDone = done
	s.mu.Unlock()

	go s.runLifecycle(e, done)
	return nil
}

// Stop cancels the agent's worker and prevents the restart policy from
// relaunching it.
func (s *Supervisor) Stop(agentID string) error {
	s.mu.Lock()
	e, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return errs.New(errs.NotFound, component, "stop", fmt.Errorf("agent %q not registered", agentID))
	}
	e.manualStop = true
	cancel := e.cancel
	done := e.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}

// Restart stops the agent (if running) and starts it again immediately,
// bypassing the restart backoff and resetting its attempt counter.
func (s *Supervisor) Restart(agentID string) error {
	if err := s.Stop(agentID); err != nil {
		return err
	}
	s.mu.Lock()
	if e, ok := s.agents[agentID]; ok {
		e.restartAttempt = 0
	}
	s.mu.Unlock()
	return s.Start(agentID)
}

// List returns a snapshot of every registered AgentRecord.
func (s *Supervisor) List() []AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentRecord, 0, len(s.agents))
	for _, e := range s.agents {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Heartbeat records a liveness signal from agentID, resetting its miss
// counter and recovering it from Degraded back to Ready.
func (s *Supervisor) Heartbeat(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentID]
	if !ok {
		return errs.New(errs.NotFound, component, "heartbeat", fmt.Errorf("agent %q not registered", agentID))
	}
	now := time.Now()
	if now.Before(e.record.LastHeartbeat) {
		return errs.New(errs.Invariant, component, "heartbeat", fmt.Errorf("heartbeat time went backwards for %q", agentID))
	}
	e.record.LastHeartbeat = now
	e.missed = 0
	if e.record.State == StateDegraded {
		e.record.State = StateReady
	}
	return nil
}

// ReportUsage records agentID's latest resource sample, consulted by
// SubmitTask to refuse dispatch to an over-limit agent.
func (s *Supervisor) ReportUsage(agentID string, usage ResourceUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentID]
	if !ok {
		return errs.New(errs.NotFound, component, "report_usage", fmt.Errorf("agent %q not registered", agentID))
	}
	e.usage = usage
	return nil
}

// SubmitTask routes spec to a ready agent: a specific AgentID if given, or
// the highest-priority, lowest-queue-depth, lowest-id agent whose
// capabilities are a superset of spec.CapabilitySet. It waits up to the
// Supervisor's queue grace period for a ready agent before failing with
// NoAgent.
func (s *Supervisor) SubmitTask(ctx context.Context, spec TaskSpec) (string, error) {
	deadline := time.Now().Add(s.queueGrace)
	for {
		if id, ok := s.pickAgent(spec); ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", errs.New(errs.NoAgent, component, "submit_task", fmt.Errorf("no ready agent for task %s", spec.ID))
		}
		select {
		case <-ctx.Done():
			return "", errs.New(errs.Cancelled, component, "submit_task", ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Supervisor) pickAgent(spec TaskSpec) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.AgentID != "" {
		e, ok := s.agents[spec.AgentID]
		if !ok || e.record.State != StateReady || e.usage.exceeds(e.record.Limits) {
			return "", false
		}
		e.record.queueDepth++
		return spec.AgentID, true
	}

	var candidates []*agentEntry
	for _, e := range s.agents {
		if e.record.State != StateReady {
			continue
		}
		if e.usage.exceeds(e.record.Limits) {
			continue
		}
		if !hasAllCapabilities(e.record.Capabilities, spec.CapabilitySet) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.record.Priority != b.record.Priority {
			return a.record.Priority > b.record.Priority
		}
		if a.record.queueDepth != b.record.queueDepth {
			return a.record.queueDepth < b.record.queueDepth
		}
		return a.record.ID < b.record.ID
	})

	chosen := candidates[0]
	chosen.record.queueDepth++
	return chosen.record.ID, true
}

func hasAllCapabilities(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// runLifecycle launches e.worker, and on exit applies the restart policy:
// never terminates, on-failure restarts only after a non-nil exit error,
// always restarts unconditionally — each restart gated by an exponential
// backoff delay capped at 5 minutes.
func (s *Supervisor) runLifecycle(e *agentEntry, done chan struct{}) {
	defer close(done)

	for {
		ctx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		if e.manualStop {
			s.mu.Unlock()
			cancel()
			return
		}
		e.cancel = cancel
		e.record.State = StateReady
		e.record.LastHeartbeat = time.Now()
		s.mu.Unlock()

		err := e.worker.Start(ctx)
		cancel()

		s.mu.Lock()
		manual := e.manualStop
		policy := e.record.RestartPolicy
		e.record.State = StateStopped
		e.cancel = nil
		s.mu.Unlock()

		if manual || !shouldRestart(policy, err) {
			return
		}

		s.mu.Lock()
		e.restartAttempt++
		attempt := e.restartAttempt
		wait := backoff.ComputeBackoff(restartBackoffPolicy, attempt)
		e.restartHistory = append(e.restartHistory, RestartRecord{
			AgentID: e.record.ID, Attempt: attempt, LastExit: err, Backoff: wait, At: time.Now(),
		})
		s.mu.Unlock()

		if s.onRestart != nil {
			s.onRestart(e.record.ID)
		}
		if sleepErr := backoff.SleepWithContext(context.Background(), wait); sleepErr != nil {
			return
		}
	}
}

func shouldRestart(policy RestartPolicy, err error) bool {
	switch policy {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return err != nil
	default:
		return false
	}
}
