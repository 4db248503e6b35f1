package agent

import (
	"context"
	"syscall"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/session"
)

// Control actions.
const (
	ControlStatus    = "status"
	ControlPause     = "pause"
	ControlResume    = "resume"
	ControlInterrupt = "interrupt"
	ControlCancel    = "cancel"
)

// ControlRequest targets a running agent with a control action.
type ControlRequest struct {
	Action        string `json:"action"`
	TargetAgentID string `json:"target_agent_id"`
	SessionID     string `json:"session_id,omitempty"`
	WorkflowID    string `json:"workflow_id,omitempty"`
	ProviderID    string `json:"provider_id,omitempty"`
	Hard          bool   `json:"hard,omitempty"`
}

// ControlResponse carries the action outcome; Status holds the instance
// snapshot for status queries.
type ControlResponse struct {
	Action string    `json:"action"`
	Status *Instance `json:"status,omitempty"`
}

// Control applies a control action to an agent: status snapshot,
// session pause/resume, interrupt (SIGINT, or stop when hard), and
// cancel of the current task.
func (d *Dispatcher) Control(ctx context.Context, req ControlRequest) (*ControlResponse, error) {
	instance, err := d.pool.Get(req.TargetAgentID)
	if err != nil {
		return nil, err
	}
	resp := &ControlResponse{Action: req.Action}

	switch req.Action {
	case ControlStatus:
		resp.Status = &instance
		return resp, nil

	case ControlPause:
		if req.SessionID == "" {
			return nil, apperrors.ValidationError("sessionId", "pause requires a session id")
		}
		return resp, d.sessions.SetStatus(ctx, req.SessionID, session.StatusPaused)

	case ControlResume:
		if req.SessionID == "" {
			return nil, apperrors.ValidationError("sessionId", "resume requires a session id")
		}
		return resp, d.sessions.SetStatus(ctx, req.SessionID, session.StatusActive)

	case ControlInterrupt:
		if req.Hard {
			return resp, d.pool.Stop(ctx, req.TargetAgentID, "interrupt")
		}
		if !instance.State.HasProcess() || instance.PID == 0 {
			return nil, apperrors.Conflict("agent '" + req.TargetAgentID + "' has no running process")
		}
		if err := syscall.Kill(instance.PID, syscall.SIGINT); err != nil {
			return nil, apperrors.ChildProcessError("failed to interrupt agent '"+req.TargetAgentID+"'", err)
		}
		d.logger.Info("agent interrupted", zap.String("agent_id", req.TargetAgentID))
		return resp, nil

	case ControlCancel:
		if req.Hard {
			return resp, d.pool.Stop(ctx, req.TargetAgentID, "cancel")
		}
		if instance.State == LifecycleBusy {
			return resp, d.pool.SetIdle(ctx, req.TargetAgentID)
		}
		return resp, nil

	default:
		return nil, apperrors.ValidationError("action", "unknown control action '"+req.Action+"'")
	}
}
