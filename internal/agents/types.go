// Package agents implements the Agent Supervisor: registration, health
// monitoring, restart policy enforcement, and capability-set task
// dispatch for long-running agents.
package agents

import (
	"context"
	"time"
)

const component = "agents"

// State is an AgentRecord's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDegraded State = "degraded"
	StateStopped  State = "stopped"
)

// RestartPolicy controls whether and how a stopped agent is restarted.
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// Limits bounds the resources an agent may consume; the Supervisor refuses
// to dispatch new work to an agent currently exceeding them.
type Limits struct {
	CPUShare    float64       // 0 means unbounded
	MemoryCap   int64         // bytes, 0 means unbounded
	TaskTimeout time.Duration // 0 means unbounded
}

// AgentRecord is the Supervisor's view of one registered agent.
type AgentRecord struct {
	ID            string
	Kind          string
	Capabilities  []string
	Endpoint      string
	State         State
	LastHeartbeat time.Time
	RestartPolicy RestartPolicy
	Priority      int
	Limits        Limits

	queueDepth int
}

// QueueDepth is the number of tasks currently queued against this agent.
func (a AgentRecord) QueueDepth() int { return a.queueDepth }

// Worker is the long-running unit a registered agent wraps. Start blocks
// until the agent exits (normally, by error, or because ctx was
// cancelled) and returns the exit error, if any. A nil error is treated
// as a clean (zero) exit for restart-policy purposes.
type Worker interface {
	Start(ctx context.Context) error
}

// TaskSpec describes one unit of work submitted to an agent.
type TaskSpec struct {
	ID           string
	CapabilitySet []string // used when targeting by capability rather than agent id
	AgentID       string   // used when targeting a specific agent
	Payload       any
}

// RestartRecord is one entry in an agent's restart history.
type RestartRecord struct {
	AgentID     string
	Attempt     int
	LastExit    error
	Backoff     time.Duration
	At          time.Time
}

// ResourceUsage is a point-in-time sample an agent reports against its
// Limits; zero values are treated as "unknown, assume within limits".
type ResourceUsage struct {
	CPUShare  float64
	MemoryUse int64
}

func (u ResourceUsage) exceeds(l Limits) bool {
	if l.CPUShare > 0 && u.CPUShare > l.CPUShare {
		return true
	}
	if l.MemoryCap > 0 && u.MemoryUse > l.MemoryCap {
		return true
	}
	return false
}
