// Package config provides configuration management for the vuhlp daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server        ServerConfig              `mapstructure:"server"`
	DataDir       string                    `mapstructure:"dataDir"`
	Database      DatabaseConfig            `mapstructure:"database"`
	Events        EventsConfig              `mapstructure:"events"`
	Logging       LoggingConfig             `mapstructure:"logging"`
	Scheduler     SchedulerConfig           `mapstructure:"scheduler"`
	Orchestration OrchestrationConfig       `mapstructure:"orchestration"`
	Workspace     WorkspaceConfig           `mapstructure:"workspace"`
	Verification  VerificationConfig        `mapstructure:"verification"`
	Approvals     ApprovalsConfig           `mapstructure:"approvals"`
	Chat          ChatConfig                `mapstructure:"chat"`
	MCP           MCPConfig                 `mapstructure:"mcp"`
	Providers     map[string]ProviderConfig `mapstructure:"providers"`
	Roles         map[string]string         `mapstructure:"roles"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds run snapshot persistence configuration.
// An empty DSN selects the embedded SQLite database under dataDir.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"` // postgres://... enables the Postgres backend
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EventsConfig holds event bus configuration.
// An empty NATS URL selects the in-memory bus.
type EventsConfig struct {
	NATSURL       string `mapstructure:"natsUrl"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds per-run scheduling configuration.
type SchedulerConfig struct {
	MaxConcurrency  int `mapstructure:"maxConcurrency"`
	TickMs          int `mapstructure:"tickMs"`
	InteractiveIdle int `mapstructure:"interactiveIdleMs"`
}

// OrchestrationConfig bounds automatic node re-activation.
type OrchestrationConfig struct {
	MaxIterations int `mapstructure:"maxIterations"`
}

// WorkspaceConfig selects how per-node workspaces are materialized.
type WorkspaceConfig struct {
	Mode string `mapstructure:"mode"` // shared, worktree, copy
}

// VerificationConfig lists shell commands run after each turn.
type VerificationConfig struct {
	Commands  []string `mapstructure:"commands"`
	TimeoutMs int      `mapstructure:"timeoutMs"`
}

// ApprovalsConfig holds tool approval gate configuration.
type ApprovalsConfig struct {
	AutoDenyOnTimeout bool `mapstructure:"autoDenyOnTimeout"`
	DefaultTimeoutMs  int  `mapstructure:"defaultTimeoutMs"` // 0 = no timeout
}

// ChatConfig bounds per-run chat history.
type ChatConfig struct {
	Retention int `mapstructure:"retention"`
}

// MCPConfig holds the embedded MCP server configuration.
// Port 0 disables the server.
type MCPConfig struct {
	Port int `mapstructure:"port"`
}

// ProviderConfig describes one external coding-assistant CLI.
type ProviderConfig struct {
	Kind    string            `mapstructure:"kind"` // claude, codex, gemini, copilot, mock
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	UsePty  bool              `mapstructure:"usePty"`
	Options map[string]string `mapstructure:"options"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TickDuration returns the scheduler tick as a time.Duration.
func (s *SchedulerConfig) TickDuration() time.Duration {
	return time.Duration(s.TickMs) * time.Millisecond
}

// InteractiveIdleDuration returns the interactive idle sleep as a time.Duration.
func (s *SchedulerConfig) InteractiveIdleDuration() time.Duration {
	return time.Duration(s.InteractiveIdle) * time.Millisecond
}

// TimeoutDuration returns the per-command verification timeout.
func (v *VerificationConfig) TimeoutDuration() time.Duration {
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

// SQLitePath returns the path of the embedded snapshot database.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "vuhlp.db")
}

// RunsDir returns the directory holding per-run logs and artifacts.
func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// detectDefaultLogFormat returns "json" in production-like environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("VUHLP_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4317)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data directory
	v.SetDefault("dataDir", "./.vuhlp")

	// Database defaults - empty DSN means embedded SQLite under dataDir
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 1)

	// Event bus defaults - empty URL means in-memory bus
	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.clientId", "vuhlp")
	v.SetDefault("events.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Scheduler defaults
	v.SetDefault("scheduler.maxConcurrency", 3)
	v.SetDefault("scheduler.tickMs", 200)
	v.SetDefault("scheduler.interactiveIdleMs", 500)

	// Orchestration defaults
	v.SetDefault("orchestration.maxIterations", 3)

	// Workspace defaults
	v.SetDefault("workspace.mode", "shared")

	// Verification defaults
	v.SetDefault("verification.commands", []string{})
	v.SetDefault("verification.timeoutMs", 120000)

	// Approval defaults
	v.SetDefault("approvals.autoDenyOnTimeout", true)
	v.SetDefault("approvals.defaultTimeoutMs", 0)

	// Chat defaults
	v.SetDefault("chat.retention", 50)

	// MCP server defaults - 0 disables the embedded server
	v.SetDefault("mcp.port", 0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VUHLP_ with snake_case naming.
// The config file is config.yaml in the current directory, ./configs, or ~/.vuhlp.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VUHLP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("dataDir", "VUHLP_DATA_DIR")
	_ = v.BindEnv("events.natsUrl", "VUHLP_EVENTS_NATS_URL")
	_ = v.BindEnv("scheduler.maxConcurrency", "VUHLP_SCHEDULER_MAX_CONCURRENCY")
	_ = v.BindEnv("orchestration.maxIterations", "VUHLP_ORCHESTRATION_MAX_ITERATIONS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".vuhlp"))
	}

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

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}

	if cfg.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, "scheduler.maxConcurrency must be at least 1")
	}
	if cfg.Scheduler.TickMs <= 0 {
		errs = append(errs, "scheduler.tickMs must be positive")
	}

	if cfg.Orchestration.MaxIterations < 1 {
		errs = append(errs, "orchestration.maxIterations must be at least 1")
	}

	switch cfg.Workspace.Mode {
	case "shared", "worktree", "copy":
	default:
		errs = append(errs, "workspace.mode must be one of: shared, worktree, copy")
	}

	if cfg.Chat.Retention < 1 {
		errs = append(errs, "chat.retention must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	for name, p := range cfg.Providers {
		switch p.Kind {
		case "claude", "codex", "gemini", "copilot", "mock":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s.kind must be one of: claude, codex, gemini, copilot, mock", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
