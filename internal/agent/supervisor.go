package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
	"github.com/covey-ai/covey/internal/common/logger"
)

// stopGracePeriod is how long a SIGTERM'd agent gets before SIGKILL.
const stopGracePeriod = 5 * time.Second

// exitEvent is reported by a supervisor when its child process ends.
type exitEvent struct {
	AgentID    string
	InstanceID string
	ExitCode   int
	Signal     string
	Requested  bool // the pool asked for this stop
}

// supervisor owns one agent child process: spawn, pid file, log
// redirection, and exit monitoring. It reports exits to the pool via a
// channel rather than shared state.
type supervisor struct {
	cfg        Config
	instanceID string
	agentsDir  string
	events     chan<- exitEvent
	logger     *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	logFile  *os.File
	stopOnce sync.Once
	stopped  bool
	exited   chan struct{} // closed once the child process has ended
}

func newSupervisor(cfg Config, instanceID, agentsDir string, events chan<- exitEvent, log *logger.Logger) *supervisor {
	return &supervisor{
		cfg:        cfg,
		instanceID: instanceID,
		agentsDir:  agentsDir,
		events:     events,
		exited:     make(chan struct{}),
		logger: log.WithFields(
			zap.String("component", "agent-supervisor"),
			zap.String("agent_id", cfg.ID)),
	}
}

// start spawns the child process and begins exit monitoring. It returns
// the pid on success.
func (s *supervisor) start(ctx context.Context) (int, error) {
	if err := os.MkdirAll(s.agentsDir, 0o755); err != nil {
		return 0, apperrors.InternalError("failed to create agents dir", err)
	}

	logFile, err := os.OpenFile(s.logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, apperrors.InternalError("failed to open agent log", err)
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Env = agentEnv(s.cfg)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// New process group so stop() can kill the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return 0, apperrors.ChildProcessError("failed to start agent '"+s.cfg.ID+"'", err)
	}

	pid := cmd.Process.Pid
	if err := os.WriteFile(s.pidPath(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		s.logger.Warn("failed to write pid file", zap.Error(err))
	}

	s.mu.Lock()
	s.cmd = cmd
	s.logFile = logFile
	s.mu.Unlock()

	s.logger.Info("agent process started",
		zap.String("instance_id", s.instanceID),
		zap.Int("pid", pid))

	go s.wait()
	return pid, nil
}

// stop terminates the process group with SIGTERM, escalating to SIGKILL
// after the grace period or when the context ends first. It returns as
// soon as the child is gone; the grace period is an upper bound, not a
// fixed wait.
func (s *supervisor) stop(ctx context.Context) {
	s.mu.Lock()
	cmd := s.cmd
	s.stopped = true
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	s.stopOnce.Do(func() {
		pgid, err := syscall.Getpgid(cmd.Process.Pid)
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-s.exited:
			return
		case <-ctx.Done():
		case <-time.After(stopGracePeriod):
		}

		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
	})
}

// wait blocks until the child exits, extracts the exit code and signal,
// removes the pid file, and reports the exit to the pool.
func (s *supervisor) wait() {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()

	err := cmd.Wait()
	close(s.exited)

	exitCode := 0
	signal := ""
	if err != nil {
		exitCode = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				if waitStatus.Signaled() {
					signal = waitStatus.Signal().String()
					exitCode = 128 + int(waitStatus.Signal())
				} else {
					exitCode = waitStatus.ExitStatus()
				}
			}
		}
	}

	_ = os.Remove(s.pidPath())
	s.mu.Lock()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	requested := s.stopped
	s.mu.Unlock()

	s.logger.Info("agent process exited",
		zap.String("instance_id", s.instanceID),
		zap.Int("exit_code", exitCode),
		zap.String("signal", signal))

	s.events <- exitEvent{
		AgentID:    s.cfg.ID,
		InstanceID: s.instanceID,
		ExitCode:   exitCode,
		Signal:     signal,
		Requested:  requested,
	}
}

func (s *supervisor) logPath() string {
	return filepath.Join(s.agentsDir, s.cfg.ID+".log")
}

func (s *supervisor) pidPath() string {
	return filepath.Join(s.agentsDir, s.cfg.ID+".pid")
}

// agentEnv merges the parent environment with the agent identity
// variables, identity winning on collision.
func agentEnv(cfg Config) []string {
	overrides := map[string]string{
		"AGENT_ID":   cfg.ID,
		"AGENT_PORT": strconv.Itoa(cfg.Port),
	}

	env := make([]string, 0, len(os.Environ())+len(overrides))
	for _, entry := range os.Environ() {
		key := entry
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key = entry[:eq]
		}
		if _, shadowed := overrides[key]; shadowed {
			continue
		}
		env = append(env, entry)
	}
	for k, v := range overrides {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
