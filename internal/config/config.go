package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultMaxParallelTasks = 3
	defaultTaskMaxSteps     = 15
	defaultTaskTimeoutSec   = 300
)

// Config is the on-disk configuration for relay-agent.
//
// NOTE: API keys never live in this file. Keys are read from the environment
// (ANTHROPIC_API_KEY / OPENAI_API_KEY).
type Config struct {
	// Provider selects the model backend: "anthropic" or "openai".
	Provider string `json:"provider"`

	// Model is the provider model id (e.g. "claude-sonnet-4-5", "gpt-4o").
	Model string `json:"model"`

	// BaseURL overrides the provider endpoint. Empty uses the provider default.
	BaseURL string `json:"base_url,omitempty"`

	// RootDir is the filesystem root for FS/terminal tool operations.
	// If empty, the agent uses the current working directory.
	RootDir string `json:"root_dir,omitempty"`

	// DBPath is the SQLite transcript database path.
	// If empty, the agent uses ~/.relay-agent/transcript.db.
	DBPath string `json:"db_path,omitempty"`

	// PresetsPath is an optional YAML file overriding subagent role presets.
	PresetsPath string `json:"presets_path,omitempty"`

	// MaxParallelTasks caps how many background tasks may run at once.
	// Defaults to 3.
	MaxParallelTasks int `json:"max_parallel_tasks,omitempty"`

	// TaskMaxSteps is the per-task reasoning/tool iteration budget.
	// Defaults to 15. Exceeding it fails the task instead of looping.
	TaskMaxSteps int `json:"task_max_steps,omitempty"`

	// TaskTimeoutSec is the per-task wall-clock limit. Defaults to 300.
	TaskTimeoutSec int `json:"task_timeout_sec,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "anthropic", "openai":
	case "":
		return errors.New("missing provider")
	default:
		return fmt.Errorf("unsupported provider %q", c.Provider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing model")
	}
	if c.MaxParallelTasks < 0 {
		return errors.New("max_parallel_tasks must be >= 0")
	}
	if c.TaskMaxSteps < 0 {
		return errors.New("task_max_steps must be >= 0")
	}
	if c.TaskTimeoutSec < 0 {
		return errors.New("task_timeout_sec must be >= 0")
	}
	return nil
}

// Normalize fills defaults for zero-valued limit fields.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	c.Model = strings.TrimSpace(c.Model)
	if c.MaxParallelTasks == 0 {
		c.MaxParallelTasks = defaultMaxParallelTasks
	}
	if c.TaskMaxSteps == 0 {
		c.TaskMaxSteps = defaultTaskMaxSteps
	}
	if c.TaskTimeoutSec == 0 {
		c.TaskTimeoutSec = defaultTaskTimeoutSec
	}
	if strings.TrimSpace(c.RootDir) == "" {
		if wd, err := os.Getwd(); err == nil {
			c.RootDir = wd
		}
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = defaultDBPath()
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.relay-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "relay-agent.config.json"
	}
	return filepath.Join(home, ".relay-agent", "config.json")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "relay-agent.transcript.db"
	}
	return filepath.Join(home, ".relay-agent", "transcript.db")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
