// Package config loads conductor's runtime configuration: repo layout,
// concurrency limits, timeouts, persistence, and logging (spec.md section 6).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PersistenceConfig controls where plan state snapshots and attempt
// history are written.
type PersistenceConfig struct {
	StateDir   string `yaml:"state_dir"`
	HistoryDB  string `yaml:"history_db"`
	WatchForExternalDeletion bool `yaml:"watch_for_external_deletion"`
}

// LoggingConfig controls console and file logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	EnableColor bool  `yaml:"enable_color"`
	JSONFiles  bool   `yaml:"json_files"`
}

// Config is conductor's top-level runtime configuration.
type Config struct {
	RepoPath     string `yaml:"repo_path"`
	WorktreeRoot string `yaml:"worktree_root"`
	MaxParallel  int    `yaml:"max_parallel"`
	// GlobalMaxParallel caps total concurrent jobs across all plans (0 = unlimited).
	GlobalMaxParallel int `yaml:"global_max_parallel"`

	JobTimeout time.Duration `yaml:"job_timeout"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WorktreeRoot:      ".conductor/worktrees",
		MaxParallel:       4,
		GlobalMaxParallel: 0,
		JobTimeout:        5 * time.Minute,
		Persistence: PersistenceConfig{
			StateDir:                 ".conductor/state",
			HistoryDB:                ".conductor/history.db",
			WatchForExternalDeletion: true,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Dir:         ".conductor/logs",
			EnableColor: true,
			JSONFiles:   true,
		},
	}
}

// LoadConfig loads configuration from path, merging onto the defaults.
// A missing file is not an error; it returns the defaults with the
// CONDUCTOR_* environment overrides applied.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	type yamlConfig struct {
		RepoPath          string            `yaml:"repo_path"`
		WorktreeRoot      string            `yaml:"worktree_root"`
		MaxParallel       int               `yaml:"max_parallel"`
		GlobalMaxParallel int               `yaml:"global_max_parallel"`
		JobTimeout        string            `yaml:"job_timeout"`
		Persistence       PersistenceConfig `yaml:"persistence"`
		Logging           LoggingConfig     `yaml:"logging"`
	}

	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if raw.RepoPath != "" {
		cfg.RepoPath = raw.RepoPath
	}
	if raw.WorktreeRoot != "" {
		cfg.WorktreeRoot = raw.WorktreeRoot
	}
	if raw.MaxParallel != 0 {
		cfg.MaxParallel = raw.MaxParallel
	}
	if raw.GlobalMaxParallel != 0 {
		cfg.GlobalMaxParallel = raw.GlobalMaxParallel
	}
	if raw.JobTimeout != "" {
		d, err := time.ParseDuration(raw.JobTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid job_timeout %q: %w", raw.JobTimeout, err)
		}
		cfg.JobTimeout = d
	}

	var rawMap map[string]any
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if p, ok := rawMap["persistence"].(map[string]any); ok {
			if raw.Persistence.StateDir != "" {
				cfg.Persistence.StateDir = raw.Persistence.StateDir
			}
			if raw.Persistence.HistoryDB != "" {
				cfg.Persistence.HistoryDB = raw.Persistence.HistoryDB
			}
			if _, set := p["watch_for_external_deletion"]; set {
				cfg.Persistence.WatchForExternalDeletion = raw.Persistence.WatchForExternalDeletion
			}
		}
		if l, ok := rawMap["logging"].(map[string]any); ok {
			if raw.Logging.Level != "" {
				cfg.Logging.Level = raw.Logging.Level
			}
			if raw.Logging.Dir != "" {
				cfg.Logging.Dir = raw.Logging.Dir
			}
			if _, set := l["enable_color"]; set {
				cfg.Logging.EnableColor = raw.Logging.EnableColor
			}
			if _, set := l["json_files"]; set {
				cfg.Logging.JSONFiles = raw.Logging.JSONFiles
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets CONDUCTOR_* env vars override file/default values,
// matching the precedence order documented in spec.md section 6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_REPO_PATH"); v != "" {
		cfg.RepoPath = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_PARALLEL"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("CONDUCTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONDUCTOR_NO_COLOR"); v == "1" || v == "true" {
		cfg.Logging.EnableColor = false
	}
}

func parsePositiveInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid positive int %q", s)
	}
	return n, nil
}

// Validate checks the configuration for internally-inconsistent values.
func (c *Config) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must be >= 0, got %d", c.MaxParallel)
	}
	if c.GlobalMaxParallel < 0 {
		return fmt.Errorf("global_max_parallel must be >= 0, got %d", c.GlobalMaxParallel)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job_timeout must be >= 0, got %v", c.JobTimeout)
	}
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level %q, must be one of: trace, debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
