// Package config provides configuration management for covey.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for covey.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	DataDir   string          `mapstructure:"dataDir"`
	Hub       HubConfig       `mapstructure:"hub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	React     ReactConfig     `mapstructure:"react"`
	Review    ReviewConfig    `mapstructure:"review"`

	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds the scheduler history database configuration.
// SQLite is the default; a PostgreSQL DSN switches the driver.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite, postgres
	SQLitePath  string `mapstructure:"sqlitePath"`
	PostgresDSN string `mapstructure:"postgresDsn"`
	MaxConns    int    `mapstructure:"maxConns"`
	MinConns    int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HubConfig holds message hub configuration.
type HubConfig struct {
	// SendTimeout is the default deadline for blocking sends, in seconds.
	SendTimeout int `mapstructure:"sendTimeout"`

	// MailboxTTLHours controls eviction of settled mailbox entries.
	MailboxTTLHours int `mapstructure:"mailboxTtlHours"`

	// MaxHandlerWorkers bounds the worker pool running module handlers.
	MaxHandlerWorkers int `mapstructure:"maxHandlerWorkers"`
}

// SchedulerConfig holds admission control configuration.
type SchedulerConfig struct {
	GlobalMaxConcurrency   int     `mapstructure:"globalMaxConcurrency"`
	DegradedMaxConcurrency int     `mapstructure:"degradedMaxConcurrency"`
	ResourceUsageThreshold float64 `mapstructure:"resourceUsageThreshold"`
	PauseNewDispatches     bool    `mapstructure:"pauseNewDispatches"`
	AgingRateMs            int     `mapstructure:"agingRateMs"`
	SchedulingOverheadMs   int     `mapstructure:"schedulingOverheadMs"`
	EstimateMode           string  `mapstructure:"estimateMode"` // static, adaptive, llm_estimate
	AdaptiveHistoryWeight  float64 `mapstructure:"adaptiveHistoryWeight"`
}

// ReactConfig holds defaults for ReACT loop runs.
type ReactConfig struct {
	MaxRounds           int  `mapstructure:"maxRounds"`
	MaxRejections       int  `mapstructure:"maxRejections"`
	OnStuck             int  `mapstructure:"onStuck"`
	OnConvergence       bool `mapstructure:"onConvergence"`
	FormatFixMaxRetries int  `mapstructure:"formatFixMaxRetries"`
	LedgerFocusChars    int  `mapstructure:"ledgerFocusChars"`
}

// ReviewConfig holds post-execution review loop configuration.
type ReviewConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	MaxTurns int  `mapstructure:"maxTurns"`
}

// OrchestratorConfig holds workflow conductor configuration. An empty
// PlannerAgentID leaves workflows externally driven.
type OrchestratorConfig struct {
	PlannerAgentID  string `mapstructure:"plannerAgentId"`
	ReviewerAgentID string `mapstructure:"reviewerAgentId"`
	MaxReplans      int    `mapstructure:"maxReplans"`
	TaskWaitMs      int    `mapstructure:"taskWaitMs"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SendTimeoutDuration returns the blocking send deadline as a time.Duration.
func (h *HubConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(h.SendTimeout) * time.Second
}

// MailboxTTLDuration returns the mailbox TTL as a time.Duration.
func (h *HubConfig) MailboxTTLDuration() time.Duration {
	return time.Duration(h.MailboxTTLHours) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("COVEY_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults - sqlite under the data dir
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlitePath", "") // empty means <dataDir>/covey.db
	v.SetDefault("storage.postgresDsn", "")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "covey-cluster")
	v.SetDefault("nats.clientId", "covey-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Data dir holds agent configs, sessions, checkpoints, pid/log files
	v.SetDefault("dataDir", defaultDataDir())

	// Hub defaults
	v.SetDefault("hub.sendTimeout", 30)
	v.SetDefault("hub.mailboxTtlHours", 24)
	v.SetDefault("hub.maxHandlerWorkers", 64)

	// Scheduler defaults
	v.SetDefault("scheduler.globalMaxConcurrency", 8)
	v.SetDefault("scheduler.degradedMaxConcurrency", 2)
	v.SetDefault("scheduler.resourceUsageThreshold", 0.8)
	v.SetDefault("scheduler.pauseNewDispatches", false)
	v.SetDefault("scheduler.agingRateMs", 5000)
	v.SetDefault("scheduler.schedulingOverheadMs", 500)
	v.SetDefault("scheduler.estimateMode", "adaptive")
	v.SetDefault("scheduler.adaptiveHistoryWeight", 0.7)

	// ReACT defaults
	v.SetDefault("react.maxRounds", 10)
	v.SetDefault("react.maxRejections", 3)
	v.SetDefault("react.onStuck", 3)
	v.SetDefault("react.onConvergence", true)
	v.SetDefault("react.formatFixMaxRetries", 1)
	v.SetDefault("react.ledgerFocusChars", 20000)

	// Review defaults
	v.SetDefault("review.enabled", true)
	v.SetDefault("review.maxTurns", 10)

	// Orchestrator defaults - no planner agent means workflows are driven
	// by API clients rather than the built-in conductor
	v.SetDefault("orchestrator.plannerAgentId", "")
	v.SetDefault("orchestrator.reviewerAgentId", "")
	v.SetDefault("orchestrator.maxReplans", 2)
	v.SetDefault("orchestrator.taskWaitMs", 300000)
}

// defaultDataDir returns the per-user data directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.covey"
	}
	return home + "/.covey"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix COVEY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/covey/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("COVEY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("dataDir", "COVEY_DATA_DIR")
	_ = v.BindEnv("storage.sqlitePath", "COVEY_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("storage.postgresDsn", "COVEY_STORAGE_POSTGRES_DSN")
	_ = v.BindEnv("hub.sendTimeout", "COVEY_HUB_SEND_TIMEOUT")
	_ = v.BindEnv("scheduler.globalMaxConcurrency", "COVEY_SCHEDULER_GLOBAL_MAX_CONCURRENCY")
	_ = v.BindEnv("react.maxRounds", "COVEY_REACT_MAX_ROUNDS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/covey/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Storage validation
	switch cfg.Storage.Driver {
	case "sqlite":
		// Empty path derives from dataDir at open time
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, "storage.postgresDsn is required when storage.driver is postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: sqlite, postgres")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}

	// Hub validation
	if cfg.Hub.SendTimeout <= 0 {
		errs = append(errs, "hub.sendTimeout must be positive")
	}
	if cfg.Hub.MaxHandlerWorkers <= 0 {
		errs = append(errs, "hub.maxHandlerWorkers must be positive")
	}

	// Scheduler validation
	if cfg.Scheduler.GlobalMaxConcurrency <= 0 {
		errs = append(errs, "scheduler.globalMaxConcurrency must be positive")
	}
	if cfg.Scheduler.DegradedMaxConcurrency <= 0 {
		errs = append(errs, "scheduler.degradedMaxConcurrency must be positive")
	}
	if cfg.Scheduler.ResourceUsageThreshold <= 0 || cfg.Scheduler.ResourceUsageThreshold > 1 {
		errs = append(errs, "scheduler.resourceUsageThreshold must be in (0, 1]")
	}
	validModes := map[string]bool{"static": true, "adaptive": true, "llm_estimate": true}
	if !validModes[cfg.Scheduler.EstimateMode] {
		errs = append(errs, "scheduler.estimateMode must be one of: static, adaptive, llm_estimate")
	}
	if cfg.Scheduler.AdaptiveHistoryWeight < 0 || cfg.Scheduler.AdaptiveHistoryWeight > 1 {
		errs = append(errs, "scheduler.adaptiveHistoryWeight must be in [0, 1]")
	}

	// ReACT validation
	if cfg.React.MaxRounds <= 0 {
		errs = append(errs, "react.maxRounds must be positive")
	}
	if cfg.React.LedgerFocusChars <= 0 {
		errs = append(errs, "react.ledgerFocusChars must be positive")
	}

	// Review validation
	if cfg.Review.MaxTurns <= 0 {
		errs = append(errs, "review.maxTurns must be positive")
	}

	// Orchestrator validation
	if cfg.Orchestrator.MaxReplans < 0 {
		errs = append(errs, "orchestrator.maxReplans must not be negative")
	}
	if cfg.Orchestrator.TaskWaitMs <= 0 {
		errs = append(errs, "orchestrator.taskWaitMs must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// SQLitePathOrDefault returns the configured SQLite path, deriving one under
// the data dir when unset.
func (s *StorageConfig) SQLitePathOrDefault(dataDir string) string {
	if s.SQLitePath != "" {
		return s.SQLitePath
	}
	return dataDir + "/covey.db"
}
