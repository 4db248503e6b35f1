package agent

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
	"github.com/covey-ai/covey/internal/events"
	"github.com/covey-ai/covey/internal/events/bus"
)

// Pool registers agents, supervises their processes, runs health
// checks, and applies the restart policy. One instance exists per agent
// id at a time; restarts produce fresh instance ids.
type Pool struct {
	agentsDir string
	eventBus  bus.EventBus
	history   *HistoryStore
	checker   HealthChecker
	logger    *logger.Logger

	mu           sync.RWMutex
	configs      map[string]Config
	instances    map[string]*Instance
	supervisors  map[string]*supervisor
	healthStops  map[string]context.CancelFunc
	exits        chan exitEvent
	rootCtx      context.Context
	rootCancel   context.CancelFunc
	shutdownOnce sync.Once
}

// NewPool creates an agent pool rooted at dataDir. A nil checker falls
// back to the HTTP /health probe.
func NewPool(dataDir string, eventBus bus.EventBus, checker HealthChecker, log *logger.Logger) (*Pool, error) {
	history, err := NewHistoryStore(dataDir, log)
	if err != nil {
		return nil, err
	}
	if checker == nil {
		checker = NewHTTPHealthChecker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		agentsDir:   filepath.Join(dataDir, "agents"),
		eventBus:    eventBus,
		history:     history,
		checker:     checker,
		logger:      log.WithFields(zap.String("component", "agent-pool")),
		configs:     make(map[string]Config),
		instances:   make(map[string]*Instance),
		supervisors: make(map[string]*supervisor),
		healthStops: make(map[string]context.CancelFunc),
		exits:       make(chan exitEvent, 16),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}
	go pool.handleExits()
	return pool, nil
}

// Register validates and records an agent config, creating its instance
// in REGISTERED state.
func (p *Pool) Register(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg = cfg.withDefaults()

	p.mu.Lock()
	if _, exists := p.configs[cfg.ID]; exists {
		p.mu.Unlock()
		return apperrors.Conflict("agent '" + cfg.ID + "' is already registered")
	}
	instance := &Instance{
		ID:      "inst-" + uuid.New().String(),
		AgentID: cfg.ID,
		State:   LifecycleRegistered,
	}
	p.configs[cfg.ID] = cfg
	p.instances[cfg.ID] = instance
	p.mu.Unlock()

	if err := p.history.Append(HistoryEntry{AgentID: cfg.ID, InstanceID: instance.ID, Kind: HistoryRegister}); err != nil {
		p.logger.Warn("history append failed", zap.Error(err))
	}
	p.publishUpdate(ctx, cfg.ID)
	p.logger.Info("agent registered", zap.String("agent_id", cfg.ID))
	return nil
}

// Start launches the agent's child process and begins health checking.
func (p *Pool) Start(ctx context.Context, agentID string) error {
	p.mu.Lock()
	cfg, ok := p.configs[agentID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	instance := p.instances[agentID]
	if err := instance.transition(LifecycleStarting); err != nil {
		p.mu.Unlock()
		return err
	}
	instance.ID = "inst-" + uuid.New().String()
	sup := newSupervisor(cfg, instance.ID, p.agentsDir, p.exits, p.logger)
	p.supervisors[agentID] = sup
	p.mu.Unlock()

	pid, err := sup.start(ctx)

	p.mu.Lock()
	if err != nil {
		_ = instance.transition(LifecycleFailed)
		instance.FailureReason = err.Error()
		delete(p.supervisors, agentID)
		p.mu.Unlock()
		p.publishUpdate(ctx, agentID)
		return err
	}
	_ = instance.transition(LifecycleRunning)
	instance.PID = pid
	instance.StartTime = time.Now().UTC()
	instance.LastHeartbeat = time.Now().UTC()
	instance.FailureReason = ""
	p.mu.Unlock()

	if err := p.history.Append(HistoryEntry{AgentID: agentID, InstanceID: instance.ID, Kind: HistoryStart}); err != nil {
		p.logger.Warn("history append failed", zap.Error(err))
	}
	p.startHealthLoop(agentID, cfg)
	p.publishUpdate(ctx, agentID)
	p.publishLifecycle(ctx, agentID, "started", nil)
	return nil
}

// Stop terminates the agent process: SIGTERM, grace period, SIGKILL.
func (p *Pool) Stop(ctx context.Context, agentID, reason string) error {
	p.mu.Lock()
	instance, ok := p.instances[agentID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	if err := instance.transition(LifecycleStopping); err != nil {
		p.mu.Unlock()
		return err
	}
	sup := p.supervisors[agentID]
	p.mu.Unlock()

	p.stopHealthLoop(agentID)
	if sup != nil {
		sup.stop(ctx)
	}

	if err := p.history.Append(HistoryEntry{AgentID: agentID, InstanceID: instance.ID, Kind: HistoryStop, Reason: reason}); err != nil {
		p.logger.Warn("history append failed", zap.Error(err))
	}
	return nil
}

// Restart stops and relaunches an agent after the exponential backoff.
// At the restart cap the agent is failed instead.
func (p *Pool) Restart(ctx context.Context, agentID, reason string) error {
	p.mu.Lock()
	cfg, ok := p.configs[agentID]
	if !ok {
		p.mu.Unlock()
		return apperrors.NotFound("agent", agentID)
	}
	instance := p.instances[agentID]
	if instance.RestartCount >= cfg.MaxRestarts {
		instance.State = LifecycleFailed
		instance.FailureReason = "max_restarts_exceeded"
		p.mu.Unlock()
		if err := p.history.Append(HistoryEntry{AgentID: agentID, InstanceID: instance.ID, Kind: HistoryCrash, Reason: "max_restarts_exceeded"}); err != nil {
			p.logger.Warn("history append failed", zap.Error(err))
		}
		p.publishUpdate(ctx, agentID)
		p.publishLifecycle(ctx, agentID, "failed", map[string]any{"reason": "max_restarts_exceeded"})
		return apperrors.Conflict("agent '" + agentID + "' exceeded max restarts")
	}
	backoff := cfg.restartBackoff(instance.RestartCount)
	instance.RestartCount++
	instance.LastRestartTime = time.Now().UTC()
	p.mu.Unlock()

	if err := p.history.Append(HistoryEntry{AgentID: agentID, InstanceID: instance.ID, Kind: HistoryRestart, Reason: reason}); err != nil {
		p.logger.Warn("history append failed", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
	}

	p.mu.RLock()
	state := instance.State
	p.mu.RUnlock()
	if state.HasProcess() || state == LifecycleStarting {
		if err := p.Stop(ctx, agentID, reason); err != nil {
			p.logger.Warn("stop before restart failed", zap.Error(err))
		}
		p.awaitStopped(ctx, agentID)
	}
	return p.Start(ctx, agentID)
}

// UpdateHeartbeat records a heartbeat from the agent process.
func (p *Pool) UpdateHeartbeat(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	instance, ok := p.instances[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	instance.LastHeartbeat = time.Now().UTC()
	return nil
}

// SetBusy marks the instance busy with a task; SetIdle releases it.
func (p *Pool) SetBusy(ctx context.Context, agentID, taskID string) error {
	err := p.withInstance(agentID, func(instance *Instance) error {
		if instance.State == LifecycleBusy {
			return apperrors.Conflict("agent '" + agentID + "' is busy")
		}
		if err := instance.transition(LifecycleBusy); err != nil {
			return err
		}
		instance.CurrentTaskID = taskID
		instance.CurrentLoad = 1
		return nil
	})
	if err == nil {
		p.publishUpdate(ctx, agentID)
	}
	return err
}

// SetIdle returns a busy instance to idle.
func (p *Pool) SetIdle(ctx context.Context, agentID string) error {
	err := p.withInstance(agentID, func(instance *Instance) error {
		if err := instance.transition(LifecycleIdle); err != nil {
			return err
		}
		instance.CurrentTaskID = ""
		instance.CurrentLoad = 0
		return nil
	})
	if err == nil {
		p.publishUpdate(ctx, agentID)
	}
	return err
}

// Get returns a snapshot of the agent's instance.
func (p *Pool) Get(agentID string) (Instance, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	instance, ok := p.instances[agentID]
	if !ok {
		return Instance{}, apperrors.NotFound("agent", agentID)
	}
	return *instance, nil
}

// List returns snapshots of every instance, sorted by agent id.
func (p *Pool) List() []Instance {
	p.mu.RLock()
	out := make([]Instance, 0, len(p.instances))
	for _, instance := range p.instances {
		out = append(out, *instance)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// StateSnapshot returns each agent's lifecycle state keyed by agent id,
// in the shape checkpoints embed.
func (p *Pool) StateSnapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.instances))
	for id, instance := range p.instances {
		out[id] = string(instance.State)
	}
	return out
}

// Config returns the registered config for an agent.
func (p *Pool) Config(agentID string) (Config, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cfg, ok := p.configs[agentID]
	if !ok {
		return Config{}, apperrors.NotFound("agent", agentID)
	}
	return cfg, nil
}

// History exposes the lifecycle history store.
func (p *Pool) History() *HistoryStore { return p.history }

// StartAutoStart launches every registered agent with autoStart set.
func (p *Pool) StartAutoStart(ctx context.Context) {
	p.mu.RLock()
	var ids []string
	for id, cfg := range p.configs {
		if cfg.AutoStart {
			ids = append(ids, id)
		}
	}
	p.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := p.Start(ctx, id); err != nil {
			p.logger.Error("auto-start failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

// Shutdown stops every running agent and the pool's background loops.
func (p *Pool) Shutdown(ctx context.Context) {
	p.shutdownOnce.Do(func() {
		p.mu.RLock()
		var ids []string
		for id, instance := range p.instances {
			if instance.State.HasProcess() {
				ids = append(ids, id)
			}
		}
		p.mu.RUnlock()
		for _, id := range ids {
			if err := p.Stop(ctx, id, "shutdown"); err != nil {
				p.logger.Warn("shutdown stop failed", zap.String("agent_id", id), zap.Error(err))
			}
		}
		p.rootCancel()
	})
}

// handleExits consumes supervisor exit events and applies the restart
// policy: clean exits are terminal, crashes restart when allowed.
func (p *Pool) handleExits() {
	for {
		select {
		case <-p.rootCtx.Done():
			return
		case evt := <-p.exits:
			p.handleExit(evt)
		}
	}
}

func (p *Pool) handleExit(evt exitEvent) {
	ctx := p.rootCtx
	p.stopHealthLoop(evt.AgentID)

	p.mu.Lock()
	cfg, ok := p.configs[evt.AgentID]
	if !ok {
		p.mu.Unlock()
		return
	}
	instance := p.instances[evt.AgentID]
	if instance.ID != evt.InstanceID {
		// Stale exit from a superseded instance.
		p.mu.Unlock()
		return
	}
	delete(p.supervisors, evt.AgentID)
	instance.PID = 0

	if evt.ExitCode == 0 || evt.Requested {
		instance.State = LifecycleStopped
		p.mu.Unlock()
		p.publishUpdate(ctx, evt.AgentID)
		p.publishLifecycle(ctx, evt.AgentID, "stopped", map[string]any{"exitCode": evt.ExitCode})
		return
	}

	instance.State = LifecycleFailed
	canRestart := cfg.AutoRestart && instance.RestartCount < cfg.MaxRestarts
	p.mu.Unlock()

	exitCode := evt.ExitCode
	if err := p.history.Append(HistoryEntry{
		AgentID:    evt.AgentID,
		InstanceID: evt.InstanceID,
		Kind:       HistoryCrash,
		ExitCode:   &exitCode,
		Signal:     evt.Signal,
	}); err != nil {
		p.logger.Warn("history append failed", zap.Error(err))
	}
	p.publishUpdate(ctx, evt.AgentID)
	p.publishLifecycle(ctx, evt.AgentID, "crashed", map[string]any{
		"exitCode": evt.ExitCode,
		"signal":   evt.Signal,
	})

	if !canRestart {
		reason := "max_restarts_exceeded"
		if !cfg.AutoRestart {
			reason = "auto_restart_disabled"
		}
		p.mu.Lock()
		instance.FailureReason = reason
		p.mu.Unlock()
		return
	}
	go func() {
		if err := p.Restart(ctx, evt.AgentID, "crash"); err != nil {
			p.logger.Error("crash restart failed", zap.String("agent_id", evt.AgentID), zap.Error(err))
		}
	}()
}

// startHealthLoop begins periodic health checking. An interval of zero
// disables the loop.
func (p *Pool) startHealthLoop(agentID string, cfg Config) {
	if cfg.HealthCheckIntervalMs <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(p.rootCtx)
	p.mu.Lock()
	p.healthStops[agentID] = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.HealthCheckIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.checkHealth(ctx, agentID, cfg)
			}
		}
	}()
}

func (p *Pool) stopHealthLoop(agentID string) {
	p.mu.Lock()
	cancel := p.healthStops[agentID]
	delete(p.healthStops, agentID)
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// checkHealth applies the two-stage probe: heartbeat staleness first,
// then the injected checker.
func (p *Pool) checkHealth(ctx context.Context, agentID string, cfg Config) {
	p.mu.RLock()
	instance, ok := p.instances[agentID]
	if !ok || !instance.State.HasProcess() {
		p.mu.RUnlock()
		return
	}
	lastHeartbeat := instance.LastHeartbeat
	instanceID := instance.ID
	p.mu.RUnlock()

	reason := ""
	if time.Since(lastHeartbeat) > time.Duration(cfg.HeartbeatTimeoutMs)*time.Millisecond {
		reason = "heartbeat_timeout"
	} else {
		timeout := time.Duration(cfg.HealthCheckTimeoutMs) * time.Millisecond
		if err := p.checker.Check(ctx, agentID, cfg.Port, timeout); err != nil {
			reason = "health_check_failed"
		}
	}
	if reason == "" {
		return
	}

	if err := p.history.Append(HistoryEntry{
		AgentID:    agentID,
		InstanceID: instanceID,
		Kind:       HistoryHealthCheckFailed,
		Reason:     reason,
	}); err != nil {
		p.logger.Warn("history append failed", zap.Error(err))
	}
	p.logger.Warn("agent health check failed",
		zap.String("agent_id", agentID),
		zap.String("reason", reason))

	if cfg.AutoRestart {
		go func() {
			if err := p.Restart(p.rootCtx, agentID, reason); err != nil {
				p.logger.Error("health restart failed", zap.String("agent_id", agentID), zap.Error(err))
			}
		}()
	}
}

// awaitStopped polls until the instance leaves its process-bearing
// state, bounded by the stop grace period.
func (p *Pool) awaitStopped(ctx context.Context, agentID string) {
	deadline := time.Now().Add(stopGracePeriod + time.Second)
	for time.Now().Before(deadline) {
		p.mu.RLock()
		instance, ok := p.instances[agentID]
		state := LifecycleStopped
		if ok {
			state = instance.State
		}
		p.mu.RUnlock()
		if state == LifecycleStopped || state == LifecycleFailed {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *Pool) withInstance(agentID string, fn func(*Instance) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	instance, ok := p.instances[agentID]
	if !ok {
		return apperrors.NotFound("agent", agentID)
	}
	return fn(instance)
}

// publishUpdate broadcasts the agent's current status.
func (p *Pool) publishUpdate(ctx context.Context, agentID string) {
	if p.eventBus == nil {
		return
	}
	p.mu.RLock()
	instance, ok := p.instances[agentID]
	if !ok {
		p.mu.RUnlock()
		return
	}
	data := map[string]any{
		"agentId":  agentID,
		"status":   string(instance.State),
		"fsmState": string(instance.State),
		"load":     instance.CurrentLoad,
	}
	if instance.CurrentTaskID != "" {
		data["currentTaskId"] = instance.CurrentTaskID
	}
	p.mu.RUnlock()

	event := bus.NewEvent(events.AgentUpdate, "agent-pool", data)
	if err := p.eventBus.Publish(ctx, events.BuildAgentUpdateSubject(agentID), event); err != nil {
		p.logger.Warn("agent update publish failed", zap.Error(err))
	}
}

// publishLifecycle broadcasts a lifecycle event (started, stopped,
// crashed, failed).
func (p *Pool) publishLifecycle(ctx context.Context, agentID, kind string, extra map[string]any) {
	if p.eventBus == nil {
		return
	}
	data := map[string]any{"agentId": agentID, "event": kind}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(events.AgentLifecycle, "agent-pool", data)
	if err := p.eventBus.Publish(ctx, events.BuildAgentLifecycleSubject(agentID), event); err != nil {
		p.logger.Warn("agent lifecycle publish failed", zap.Error(err))
	}
}
