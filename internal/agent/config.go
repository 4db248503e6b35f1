// Package agent provides the agent pool: registration, child-process
// supervision, health checking, restart policy, and task dispatch.
package agent

import (
	"encoding/json"
	"os"
	"time"

	apperrors "github.com/covey-ai/covey/internal/common/errors"
)

// Mode controls whether an agent is launched by the pool or attached
// manually.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Config describes one agent worker.
type Config struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Mode                  Mode     `json:"mode"`
	Port                  int      `json:"port"`
	Command               string   `json:"command"`
	Args                  []string `json:"args,omitempty"`
	AutoStart             bool     `json:"auto_start"`
	AutoRestart           bool     `json:"auto_restart"`
	MaxRestarts           int      `json:"max_restarts"`
	RestartBackoffMs      int      `json:"restart_backoff_ms"`
	HealthCheckIntervalMs int      `json:"health_check_interval_ms"`
	HealthCheckTimeoutMs  int      `json:"health_check_timeout_ms"`
	HeartbeatTimeoutMs    int      `json:"heartbeat_timeout_ms"`
	SystemPrompt          string   `json:"system_prompt,omitempty"`
	AllowedTools          []string `json:"allowed_tools,omitempty"`
}

// maxRestartBackoff caps the exponential restart delay.
const maxRestartBackoff = 30 * time.Second

// withDefaults materializes defaults for unset fields.
func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeAuto
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 5
	}
	if c.RestartBackoffMs <= 0 {
		c.RestartBackoffMs = 1000
	}
	if c.HealthCheckIntervalMs < 0 {
		c.HealthCheckIntervalMs = 0
	}
	if c.HealthCheckTimeoutMs <= 0 {
		c.HealthCheckTimeoutMs = 3000
	}
	if c.HeartbeatTimeoutMs <= 0 {
		c.HeartbeatTimeoutMs = 60000
	}
	return c
}

// validate checks required fields before registration.
func (c Config) validate() error {
	if c.ID == "" {
		return apperrors.ValidationError("id", "agent id is required")
	}
	if c.Command == "" {
		return apperrors.ValidationError("command", "agent command is required")
	}
	return nil
}

// restartBackoff returns the delay before restart attempt n (0-based),
// exponential and capped.
func (c Config) restartBackoff(restartCount int) time.Duration {
	backoff := time.Duration(c.RestartBackoffMs) * time.Millisecond
	for i := 0; i < restartCount; i++ {
		backoff *= 2
		if backoff >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	if backoff > maxRestartBackoff {
		backoff = maxRestartBackoff
	}
	return backoff
}

// LoadConfigs reads agent definitions from a JSON file. A missing file
// yields no configs, which is not an error.
func LoadConfigs(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.InternalError("failed to read agent configs", err)
	}
	var configs []Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, apperrors.ValidationError("agents", "invalid agent config JSON: "+err.Error())
	}
	for i := range configs {
		if err := configs[i].validate(); err != nil {
			return nil, err
		}
		configs[i] = configs[i].withDefaults()
	}
	return configs, nil
}
