// Package config provides configuration management for ralph.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ralphdev/ralph/internal/common/logger"
)

// Config holds all configuration sections for a run.
type Config struct {
	TaskSource TaskSourceConfig      `mapstructure:"task_source"`
	Services   []ServiceConfig       `mapstructure:"services"`
	Gates      GatesConfig           `mapstructure:"gates"`
	TestPaths  TestPathsConfig       `mapstructure:"test_paths"`
	Agents     map[string]RoleConfig `mapstructure:"agents"`
	Limits     LimitsConfig          `mapstructure:"limits"`
	Git        GitConfig             `mapstructure:"git"`
	Server     ServerConfig          `mapstructure:"server"`
	NATS       NATSConfig            `mapstructure:"nats"`
	Logging    logger.LoggingConfig  `mapstructure:"logging"`
	StateDir   string                `mapstructure:"state_dir"` // session artifacts, timeline, archive
	RepoRoot   string                `mapstructure:"repo_root"` // working tree the agents operate on
}

// TaskSourceConfig describes where the task list lives.
type TaskSourceConfig struct {
	Path   string `mapstructure:"path"`
	Format string `mapstructure:"format"` // json or yaml; empty means infer from extension
}

// ServiceConfig describes a service started for post-completion verification.
type ServiceConfig struct {
	Name           string   `mapstructure:"name"`
	StartCommands  []string `mapstructure:"start_commands"`
	Port           int      `mapstructure:"port"`
	HealthPaths    []string `mapstructure:"health_paths"`
	StartupTimeout int      `mapstructure:"startup_timeout"` // in seconds
}

// StartupTimeoutDuration returns the startup timeout as a time.Duration.
func (s *ServiceConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// GatesConfig holds the two ordered gate sequences.
type GatesConfig struct {
	Build []GateConfig `mapstructure:"build"`
	Full  []GateConfig `mapstructure:"full"`
}

// GateConfig describes a single quality gate.
type GateConfig struct {
	Name             string `mapstructure:"name"`
	Cmd              string `mapstructure:"cmd"`
	PreconditionFile string `mapstructure:"precondition_file"`
	Timeout          int    `mapstructure:"timeout"` // in seconds
	Fatal            bool   `mapstructure:"fatal"`
}

// TimeoutDuration returns the gate timeout as a time.Duration.
func (g *GateConfig) TimeoutDuration() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// TestPathsConfig is the guardrail allow-list for the test-writing agent.
type TestPathsConfig struct {
	Allow []string `mapstructure:"allow"`
	// AllowExisting permits the test-writing agent to modify files that
	// already matched the allow-list before the phase began.
	AllowExisting bool `mapstructure:"allow_existing"`
}

// RoleConfig configures the agent invocation for one role.
type RoleConfig struct {
	Command          string   `mapstructure:"command"`
	Args             []string `mapstructure:"args"`
	Model            string   `mapstructure:"model"`
	Timeout          int      `mapstructure:"timeout"` // in seconds, 0 means limits.agent_timeout
	AllowedToolHints []string `mapstructure:"allowed_tool_hints"`
	UsePTY           bool     `mapstructure:"use_pty"`
}

// TimeoutDuration returns the role timeout as a time.Duration.
func (r *RoleConfig) TimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// LimitsConfig bounds agent invocations and iteration budgets.
type LimitsConfig struct {
	AgentTimeout         int `mapstructure:"agent_timeout"` // in seconds
	MaxIterations        int `mapstructure:"max_iterations"`
	PostVerifyIterations int `mapstructure:"post_verify_iterations"`
	UIFixIterations      int `mapstructure:"ui_fix_iterations"`
}

// AgentTimeoutDuration returns the agent timeout as a time.Duration.
func (l *LimitsConfig) AgentTimeoutDuration() time.Duration {
	return time.Duration(l.AgentTimeout) * time.Second
}

// GitConfig holds git parameters used by autopilot surfaces.
type GitConfig struct {
	BaseBranch string `mapstructure:"base_branch"`
	Remote     string `mapstructure:"remote"`
}

// ServerConfig holds the optional event gateway HTTP server configuration.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// NATSConfig holds optional NATS fan-out configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("task_source.path", "tasks.json")
	v.SetDefault("task_source.format", "")

	v.SetDefault("test_paths.allow", []string{
		"tests/**", "test/**", "**/*_test.go", "**/*.test.*", "**/*.spec.*",
	})
	v.SetDefault("test_paths.allow_existing", true)

	v.SetDefault("limits.agent_timeout", 600)
	v.SetDefault("limits.max_iterations", 10)
	v.SetDefault("limits.post_verify_iterations", 3)
	v.SetDefault("limits.ui_fix_iterations", 3)

	v.SetDefault("git.base_branch", "main")
	v.SetDefault("git.remote", "origin")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8465)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "ralph")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("state_dir", ".ralph")
	v.SetDefault("repo_root", ".")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix RALPH_ with snake_case naming.
// The config file is ralph.yaml in the current directory unless a path is given.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RALPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("ralph")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
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

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are consistent.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.TaskSource.Path == "" {
		errs = append(errs, "task_source.path is required")
	}
	switch cfg.TaskSource.Format {
	case "", "json", "yaml":
	default:
		errs = append(errs, "task_source.format must be json or yaml")
	}

	for i, svc := range cfg.Services {
		if svc.Name == "" {
			errs = append(errs, fmt.Sprintf("services[%d].name is required", i))
		}
		if len(svc.StartCommands) == 0 {
			errs = append(errs, fmt.Sprintf("services[%d].start_commands is required", i))
		}
		if svc.Port <= 0 || svc.Port > 65535 {
			errs = append(errs, fmt.Sprintf("services[%d].port must be between 1 and 65535", i))
		}
		if svc.StartupTimeout <= 0 {
			errs = append(errs, fmt.Sprintf("services[%d].startup_timeout must be positive", i))
		}
	}

	for _, phase := range []struct {
		name  string
		gates []GateConfig
	}{{"build", cfg.Gates.Build}, {"full", cfg.Gates.Full}} {
		seen := map[string]bool{}
		for i, g := range phase.gates {
			if g.Name == "" {
				errs = append(errs, fmt.Sprintf("gates.%s[%d].name is required", phase.name, i))
			}
			if g.Cmd == "" {
				errs = append(errs, fmt.Sprintf("gates.%s[%d].cmd is required", phase.name, i))
			}
			if seen[g.Name] {
				errs = append(errs, fmt.Sprintf("gates.%s has duplicate gate %q", phase.name, g.Name))
			}
			seen[g.Name] = true
		}
	}

	if len(cfg.TestPaths.Allow) == 0 {
		errs = append(errs, "test_paths.allow must not be empty")
	}

	for role, rc := range cfg.Agents {
		switch role {
		case "implementation", "test-writing", "review", "fix", "planning", "ui-fix":
		default:
			errs = append(errs, fmt.Sprintf("agents.%s is not a known role", role))
		}
		if rc.Command == "" {
			errs = append(errs, fmt.Sprintf("agents.%s.command is required", role))
		}
	}

	if cfg.Limits.AgentTimeout <= 0 {
		errs = append(errs, "limits.agent_timeout must be positive")
	}
	if cfg.Limits.MaxIterations <= 0 {
		errs = append(errs, "limits.max_iterations must be positive")
	}

	if cfg.Server.Enabled {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// RoleFor returns the agent configuration for a role, falling back to
// the implementation role's command when the role is not configured.
func (c *Config) RoleFor(role string) RoleConfig {
	if rc, ok := c.Agents[role]; ok {
		return rc
	}
	return c.Agents["implementation"]
}
