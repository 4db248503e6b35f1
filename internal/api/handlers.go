package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/covey-ai/covey/internal/agent"
	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/hub"
	"github.com/covey-ai/covey/internal/scheduler"
	"github.com/covey-ai/covey/internal/workflow"
)

// WorkflowRunner drives a workflow in the background once it exists.
type WorkflowRunner interface {
	Start(workflowID string)
}

// Handler contains the HTTP handlers for the daemon control API.
type Handler struct {
	hub        *hub.Hub
	workflows  *workflow.Manager
	dispatcher *agent.Dispatcher
	pool       *agent.Pool
	scheduler  *scheduler.Scheduler
	runner     WorkflowRunner
	logger     *logger.Logger
}

// NewHandler creates an API handler over the daemon subsystems.
func NewHandler(h *hub.Hub, workflows *workflow.Manager, dispatcher *agent.Dispatcher, pool *agent.Pool, sched *scheduler.Scheduler, log *logger.Logger) *Handler {
	return &Handler{
		hub:        h,
		workflows:  workflows,
		dispatcher: dispatcher,
		pool:       pool,
		scheduler:  sched,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// SetRunner installs the background driver picked up by workflow
// creation and resume. A nil runner leaves workflows client-driven.
func (h *Handler) SetRunner(runner WorkflowRunner) {
	h.runner = runner
}

// SendMessage posts a message into the hub.
// POST /api/v1/messages
func (h *Handler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	msg := hub.NewMessage(req.SessionID, req.Role, req.Content)
	msg.Type = req.Type
	msg.WorkflowID = req.WorkflowID
	msg.TaskID = req.TaskID
	msg.Metadata = req.Metadata

	opts := hub.SendOptions{
		Blocking:   req.Blocking,
		CallbackID: req.CallbackID,
	}
	if req.TimeoutMs > 0 {
		opts.Timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	result, err := h.hub.Send(c.Request.Context(), req.Target, msg, opts)
	if err != nil {
		h.logger.Error("send failed", zap.String("target", req.Target), zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to send message")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status := http.StatusAccepted
	if req.Blocking {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// GetMessage returns the mailbox entry for a message.
// GET /api/v1/messages/:messageId
func (h *Handler) GetMessage(c *gin.Context) {
	messageID := c.Param("messageId")
	entry, ok := h.hub.Mailbox().GetByMessageID(messageID)
	if !ok {
		appErr := apperrors.NotFound("message", messageID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// RegisterModule registers an external agent module. Messages routed to
// it are forwarded to the agent pool as blocking dispatches.
// POST /api/v1/modules
func (h *Handler) RegisterModule(c *gin.Context) {
	var req RegisterModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := RegisterAgentModule(h.hub, h.dispatcher, hub.ModuleDecl{
		ID:           req.ID,
		Path:         req.Path,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.logger.Error("module registration failed", zap.String("module_id", req.ID), zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to register module")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status := http.StatusCreated
	if result.AlreadyRegistered {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// RegisterAgentModule registers an agent-kind module whose handler
// forwards messages to the same-named agent as blocking dispatches. It
// backs both HTTP registration and modules declared in YAML.
func RegisterAgentModule(messageHub *hub.Hub, dispatcher *agent.Dispatcher, decl hub.ModuleDecl) (*hub.RegisterResult, error) {
	agentID := decl.ID
	return messageHub.RegisterModule(hub.Descriptor{
		Kind:         hub.KindAgent,
		ID:           decl.ID,
		Path:         decl.Path,
		Capabilities: decl.Capabilities,
		Metadata:     decl.Metadata,
		Output: func(ctx context.Context, msg *hub.Message, _ hub.Completion) (*hub.Result, error) {
			res, err := dispatcher.Dispatch(ctx, agent.DispatchRequest{
				SessionID:     msg.SessionID,
				TargetAgentID: agentID,
				TaskID:        msg.TaskID,
				WorkflowID:    msg.WorkflowID,
				Description:   msg.Content,
				Blocking:      true,
				QueueOnBusy:   true,
			})
			if err != nil {
				return nil, err
			}
			return &hub.Result{Data: res}, nil
		},
	})
}

// ListModules returns the registered modules.
// GET /api/v1/modules
func (h *Handler) ListModules(c *gin.Context) {
	modules := h.hub.Registry().List()
	c.JSON(http.StatusOK, gin.H{"modules": modules, "total": len(modules)})
}

// CreateWorkflow starts a workflow for a session.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	wf, err := h.workflows.Create(c.Request.Context(), req.SessionID, req.Task)
	if err != nil {
		h.logger.Error("workflow creation failed", zap.String("session_id", req.SessionID), zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to create workflow")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.runner != nil {
		h.runner.Start(wf.ID)
	}
	c.JSON(http.StatusCreated, wf)
}

// GetWorkflow returns a workflow snapshot.
// GET /api/v1/workflows/:workflowId
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, err := h.workflows.Get(c.Param("workflowId"))
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to get workflow")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, wf)
}

// PauseWorkflow pauses a workflow and checkpoints its state.
// POST /api/v1/workflows/:workflowId/pause
func (h *Handler) PauseWorkflow(c *gin.Context) {
	h.workflowAction(c, "pause", h.workflows.Pause)
}

// ResumeWorkflow resumes a paused workflow.
// POST /api/v1/workflows/:workflowId/resume
func (h *Handler) ResumeWorkflow(c *gin.Context) {
	h.workflowAction(c, "resume", func(ctx context.Context, workflowID string) error {
		if err := h.workflows.Resume(ctx, workflowID); err != nil {
			return err
		}
		if h.runner != nil {
			h.runner.Start(workflowID)
		}
		return nil
	})
}

// CancelWorkflow terminates a workflow.
// POST /api/v1/workflows/:workflowId/cancel
func (h *Handler) CancelWorkflow(c *gin.Context) {
	h.workflowAction(c, "cancel", h.workflows.Cancel)
}

func (h *Handler) workflowAction(c *gin.Context, action string, fn func(context.Context, string) error) {
	workflowID := c.Param("workflowId")
	if err := fn(c.Request.Context(), workflowID); err != nil {
		h.logger.Error("workflow action failed",
			zap.String("workflow_id", workflowID),
			zap.String("action", action),
			zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to "+action+" workflow")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workflow_id": workflowID, "action": action})
}

// WorkflowInput delivers user input to a workflow: it resolves the
// oldest pending question when one exists, otherwise queues an
// instruction for the next loop turn.
// POST /api/v1/workflows/:workflowId/input
func (h *Handler) WorkflowInput(c *gin.Context) {
	workflowID := c.Param("workflowId")

	var req WorkflowInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	requestID, queued, err := h.workflows.Input(c.Request.Context(), workflowID, req.Input)
	if err != nil {
		h.logger.Error("workflow input failed", zap.String("workflow_id", workflowID), zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to deliver input")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, WorkflowInputResponse{
		WorkflowID: workflowID,
		RequestID:  requestID,
		Queued:     queued,
	})
}

// DispatchAgent runs a task on a target agent.
// POST /api/v1/agents/dispatch
func (h *Handler) DispatchAgent(c *gin.Context) {
	var req DispatchAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.dispatcher.Dispatch(c.Request.Context(), agent.DispatchRequest{
		SourceAgentID:  req.SourceAgentID,
		SessionID:      req.SessionID,
		TargetAgentID:  req.TargetAgentID,
		TaskID:         req.TaskID,
		WorkflowID:     req.WorkflowID,
		Description:    req.Description,
		Blocking:       req.Blocking,
		QueueOnBusy:    req.QueueOnBusy,
		MaxQueueWaitMs: req.MaxQueueWaitMs,
	})
	if err != nil {
		h.logger.Error("dispatch failed", zap.String("target", req.TargetAgentID), zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to dispatch")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// ControlAgent applies a control action to an agent: status, pause,
// resume, interrupt, cancel.
// POST /api/v1/agents/control
func (h *Handler) ControlAgent(c *gin.Context) {
	var req agent.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp, err := h.dispatcher.Control(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("control failed",
			zap.String("target", req.TargetAgentID),
			zap.String("action", req.Action),
			zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to apply control action")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Heartbeat records a liveness signal from an agent.
// POST /api/v1/agents/:agentId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	agentID := c.Param("agentId")
	if err := h.pool.UpdateHeartbeat(agentID); err != nil {
		appErr := apperrors.Wrap(err, "failed to record heartbeat")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": agentID})
}

// ListAgents returns every agent instance in the pool.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	instances := h.pool.List()
	agents := make([]AgentResponse, 0, len(instances))
	for _, inst := range instances {
		agents = append(agents, toAgentResponse(inst))
	}
	c.JSON(http.StatusOK, AgentListResponse{Agents: agents, Total: len(agents)})
}

// GetAgent returns one agent instance.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	inst, err := h.pool.Get(c.Param("agentId"))
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to get agent")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, toAgentResponse(inst))
}

// SchedulerStatus returns the scheduler snapshot: active and queued
// counts, degradation state, and resource status.
// GET /api/v1/scheduler/status
func (h *Handler) SchedulerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduler.Status())
}

func toAgentResponse(inst agent.Instance) AgentResponse {
	resp := AgentResponse{
		AgentID:       inst.AgentID,
		InstanceID:    inst.ID,
		State:         string(inst.State),
		PID:           inst.PID,
		RestartCount:  inst.RestartCount,
		CurrentLoad:   inst.CurrentLoad,
		CurrentTaskID: inst.CurrentTaskID,
		FailureReason: inst.FailureReason,
	}
	if !inst.StartTime.IsZero() {
		t := inst.StartTime
		resp.StartTime = &t
	}
	if !inst.LastHeartbeat.IsZero() {
		t := inst.LastHeartbeat
		resp.LastHeartbeat = &t
	}
	return resp
}
