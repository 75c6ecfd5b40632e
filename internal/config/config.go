// Package config handles configuration loading for the weft daemon.
// It supports XDG config paths, a project-level override file, and
// environment variables, generalized from Alphie's per-tier agent
// config to per-run dispatch/worker/worktree configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a weft daemon instance.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Server     ServerConfig     `mapstructure:"server"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AnthropicConfig holds Anthropic API settings for the reference
// LlmInvoker.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// ServerConfig holds the reference transport's listen address and CORS
// policy.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DispatchConfig holds per-run dispatch loop tuning, generalized from
// Alphie's per-tier MaxAgents/Timeout settings.
type DispatchConfig struct {
	QueueCapacity int64         `mapstructure:"queue_capacity"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SpawnStagger  time.Duration `mapstructure:"spawn_stagger"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
}

// WorktreeConfig holds the worktree manager's base directory and trunk
// repository path.
type WorktreeConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	TrunkPath string `mapstructure:"trunk_path"`
}

// CheckpointConfig selects and configures the Checkpointer backend.
type CheckpointConfig struct {
	Backend string `mapstructure:"backend"` // "file" or "sqlite"
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load loads configuration from XDG paths, a project override file,
// and environment variables.
// Precedence (highest to lowest):
//  1. Environment variables (WEFT_* and ANTHROPIC_API_KEY)
//  2. Project config (.weft.yaml in the current directory or a parent)
//  3. User config (~/.config/weft/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("WEFT")
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file, bypassing XDG
// and project-override discovery. Used by `weftd serve` when a config
// file path is given, and by tests.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("dispatch.queue_capacity", 4)
	v.SetDefault("dispatch.poll_interval", "3s")
	v.SetDefault("dispatch.spawn_stagger", "500ms")
	v.SetDefault("dispatch.worker_timeout", "15m")

	v.SetDefault("worktree.base_dir", filepath.Join(".", ".weft", "worktrees"))
	v.SetDefault("worktree.trunk_path", ".")

	v.SetDefault("checkpoint.backend", "sqlite")
	v.SetDefault("checkpoint.path", filepath.Join(".", ".weft", "state.db"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.pretty", false)
}

// getUserConfigDir returns the XDG config directory for weft.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "weft")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "weft")
	}
	return filepath.Join(home, ".config", "weft")
}

// findProjectConfig searches for .weft.yaml in the current directory
// and its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".weft.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config populated with built-in defaults, used when
// no config file is present and env vars are unset.
func Default() *Config {
	return &Config{
		Anthropic: AnthropicConfig{Model: "claude-sonnet-4-20250514"},
		Server:    ServerConfig{Addr: ":8080", CORSOrigins: []string{"*"}},
		Dispatch: DispatchConfig{
			QueueCapacity: 4,
			PollInterval:  3 * time.Second,
			SpawnStagger:  500 * time.Millisecond,
			WorkerTimeout: 15 * time.Minute,
		},
		Worktree:   WorktreeConfig{BaseDir: filepath.Join(".", ".weft", "worktrees"), TrunkPath: "."},
		Checkpoint: CheckpointConfig{Backend: "sqlite", Path: filepath.Join(".", ".weft", "state.db")},
		Logging:    LoggingConfig{Level: "info", Pretty: false},
	}
}
