package agent

import (
	"time"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// Lifecycle is an agent instance lifecycle state.
type Lifecycle string

const (
	LifecycleRegistered Lifecycle = "REGISTERED"
	LifecycleStarting   Lifecycle = "STARTING"
	LifecycleRunning    Lifecycle = "RUNNING"
	LifecycleBusy       Lifecycle = "BUSY"
	LifecycleIdle       Lifecycle = "IDLE"
	LifecycleStopping   Lifecycle = "STOPPING"
	LifecycleStopped    Lifecycle = "STOPPED"
	LifecycleFailed     Lifecycle = "FAILED"
)

var lifecycleTransitions = map[Lifecycle][]Lifecycle{
	LifecycleRegistered: {LifecycleStarting},
	LifecycleStarting:   {LifecycleRunning, LifecycleFailed},
	LifecycleRunning:    {LifecycleBusy, LifecycleIdle, LifecycleStopping, LifecycleFailed},
	LifecycleBusy:       {LifecycleIdle, LifecycleRunning, LifecycleStopping, LifecycleFailed},
	LifecycleIdle:       {LifecycleBusy, LifecycleRunning, LifecycleStopping, LifecycleFailed},
	LifecycleStopping:   {LifecycleStopped, LifecycleFailed},
	LifecycleStopped:    {LifecycleStarting},
	LifecycleFailed:     {LifecycleStarting},
}

// HasProcess reports whether the state implies a live child process.
func (l Lifecycle) HasProcess() bool {
	return l == LifecycleRunning || l == LifecycleBusy || l == LifecycleIdle
}

// Instance is the runtime state of one agent. The instance id is
// distinct from the agent id: a restart produces the same agent id with
// a new instance id.
type Instance struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	State           Lifecycle `json:"state"`
	PID             int       `json:"pid,omitempty"`
	RestartCount    int       `json:"restart_count"`
	LastRestartTime time.Time `json:"last_restart_time,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`
	CurrentLoad     int       `json:"current_load"`
	CurrentTaskID   string    `json:"current_task_id,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
}

// transition moves the instance along a legal lifecycle edge.
func (i *Instance) transition(to Lifecycle) error {
	for _, next := range lifecycleTransitions[i.State] {
		if next == to {
			i.State = to
			return nil
		}
	}
	return apperrors.Conflict("agent '" + i.AgentID + "' cannot move from " + string(i.State) + " to " + string(to))
}
