// Package config holds the orchestrator configuration. Values are
// explicit and passed through constructors; nothing in here is a
// process-wide mutable singleton. Configuration is loaded from a YAML
// file with environment-variable overrides for the common knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one orchestrator process.
type Config struct {
	// WorkspaceBase is the directory holding per-task workspaces and
	// the per-workspace state store.
	WorkspaceBase string `yaml:"workspace_base"`

	// GlobalDir is the per-user directory holding the cross-workspace
	// global index. Defaults to ~/.claude-orchestrator.
	GlobalDir string `yaml:"global_dir"`

	// Debug enables categorized file logging.
	Debug bool `yaml:"debug"`

	Limits   LimitsConfig   `yaml:"limits"`
	Health   HealthConfig   `yaml:"health"`
	Review   ReviewConfig   `yaml:"review"`
	Context  ContextConfig  `yaml:"context"`
	Handover HandoverConfig `yaml:"handover"`
	Stream   StreamConfig   `yaml:"stream"`
	Spawn    SpawnConfig    `yaml:"spawn"`
	Registry RegistryConfig `yaml:"registry"`
}

// LimitsConfig caps default per-task agent fan-out.
type LimitsConfig struct {
	MaxAgents     int `yaml:"max_agents"`
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxDepth      int `yaml:"max_depth"`
}

// HealthConfig tunes the background health daemon.
type HealthConfig struct {
	ScanInterval   time.Duration `yaml:"scan_interval"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	GlobalPassEach int           `yaml:"global_pass_each"`
}

// ReviewConfig tunes the review subsystem.
type ReviewConfig struct {
	NumReviewers int `yaml:"num_reviewers"`
}

// ContextConfig tunes the context accumulator.
type ContextConfig struct {
	MaxTokens   int `yaml:"max_tokens"`
	MaxFindings int `yaml:"max_findings"`
}

// HandoverConfig tunes handover generation.
type HandoverConfig struct {
	MaxTokens       int `yaml:"max_tokens"`
	MaxKeyFindings  int `yaml:"max_key_findings"`
	MaxRecommended  int `yaml:"max_recommendations"`
	SummaryTokenCap int `yaml:"summary_token_cap"`
}

// StreamConfig tunes output-log retrieval truncation.
type StreamConfig struct {
	MaxLineLength        int `yaml:"max_line_length"`
	MaxToolResultContent int `yaml:"max_tool_result_content"`
	RecentLines          int `yaml:"recent_lines"`
}

// SpawnConfig tunes agent spawning and cleanup.
type SpawnConfig struct {
	// AgentBinary is the LLM subprocess launched in each session. Also
	// matched against command lines during orphan detection.
	AgentBinary string `yaml:"agent_binary"`
	// SessionPrefix namespaces tmux sessions owned by this
	// orchestrator.
	SessionPrefix string `yaml:"session_prefix"`
	// KeepLogs archives stream/progress/findings files on cleanup
	// instead of deleting them.
	KeepLogs bool `yaml:"keep_logs"`
	// KillRetries bounds SIGKILL escalation during cleanup.
	KillRetries int `yaml:"kill_retries"`
}

// RegistryConfig tunes the legacy JSON registry mirrors.
type RegistryConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		WorkspaceBase: filepath.Join(home, "orchestrator-workspaces"),
		GlobalDir:     filepath.Join(home, ".claude-orchestrator"),
		Debug:         false,
		Limits: LimitsConfig{
			MaxAgents:     20,
			MaxConcurrent: 5,
			MaxDepth:      3,
		},
		Health: HealthConfig{
			ScanInterval:   30 * time.Second,
			StuckThreshold: 300 * time.Second,
			ProbeTimeout:   5 * time.Second,
			GlobalPassEach: 5,
		},
		Review: ReviewConfig{NumReviewers: 2},
		Context: ContextConfig{
			MaxTokens:   2500,
			MaxFindings: 15,
		},
		Handover: HandoverConfig{
			MaxTokens:       3000,
			MaxKeyFindings:  10,
			MaxRecommended:  10,
			SummaryTokenCap: 300,
		},
		Stream: StreamConfig{
			MaxLineLength:        2000,
			MaxToolResultContent: 1500,
			RecentLines:          50,
		},
		Spawn: SpawnConfig{
			AgentBinary:   "claude",
			SessionPrefix: "conductor",
			KeepLogs:      true,
			KillRetries:   3,
		},
		Registry: RegistryConfig{LockTimeout: 10 * time.Second},
	}
}

// Load reads configuration from path, layered over Default. A missing
// file is not an error; environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CONDUCTOR_WORKSPACE_BASE"); v != "" {
		c.WorkspaceBase = v
	}
	if v := os.Getenv("CONDUCTOR_GLOBAL_DIR"); v != "" {
		c.GlobalDir = v
	}
	if v := os.Getenv("CONDUCTOR_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Debug = b
		}
	}
	if v := os.Getenv("CONDUCTOR_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Health.ScanInterval = d
		}
	}
	if v := os.Getenv("CONDUCTOR_AGENT_BINARY"); v != "" {
		c.Spawn.AgentBinary = v
	}
}

func (c *Config) validate() error {
	if c.WorkspaceBase == "" {
		return fmt.Errorf("workspace_base must not be empty")
	}
	if c.Health.ScanInterval <= 0 {
		return fmt.Errorf("health.scan_interval must be positive")
	}
	if c.Review.NumReviewers < 1 {
		return fmt.Errorf("review.num_reviewers must be at least 1")
	}
	return nil
}
