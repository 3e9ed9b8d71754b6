// Package config loads and validates the optional .foreman YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default and clamp values for execution configuration.
const (
	DefaultTimeout = 5 * time.Minute
	MinTimeout     = time.Second
	MaxTimeout     = time.Hour

	DefaultMaxOutput = 5 << 20 // 5 MB
	MinMaxOutput     = 1 << 10 // 1 KB
	MaxMaxOutput     = 50 << 20

	DefaultPromptTimeout   = 24 * time.Hour
	DefaultPromptMaxOutput = 2 << 20
)

// Config holds the parsed .foreman configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version      int    `yaml:"version"`
	RawTimeout   string `yaml:"timeout"`    // inactivity timeout, e.g. "5m", "30s"
	RawMaxOutput int    `yaml:"max_output"` // bytes

	DB string `yaml:"db"` // job database path

	Shell  ShellConfig  `yaml:"shell"`
	Prompt PromptConfig `yaml:"prompt"`
}

// ShellConfig restricts which command roots run_shell accepts.
type ShellConfig struct {
	Allow []string `yaml:"allow"` // command-root allowlist; empty means any
	Deny  []string `yaml:"deny"`  // command-root denylist
}

// PromptConfig describes the command AI-prompt jobs are piped into.
type PromptConfig struct {
	Command      []string `yaml:"command"`    // argv; prompt jobs are unavailable when empty
	RawTimeout   string   `yaml:"timeout"`    // e.g. "24h"
	RawMaxOutput int      `yaml:"max_output"` // bytes
}

// Timeout returns the configured inactivity timeout clamped to sane
// bounds, or the default.
func (c *Config) Timeout() time.Duration {
	return parseTimeout(c.RawTimeout, DefaultTimeout)
}

// MaxOutputBytes returns the configured output ceiling clamped to sane
// bounds, or the default.
func (c *Config) MaxOutputBytes() int {
	return clampOutput(c.RawMaxOutput, DefaultMaxOutput)
}

// PromptTimeout returns the inactivity timeout for prompt jobs. Prompt
// runs routinely take far longer than shell commands, so the default is
// a day rather than minutes.
func (c *Config) PromptTimeout() time.Duration {
	if c.Prompt.RawTimeout == "" {
		return DefaultPromptTimeout
	}
	// Not routed through parseTimeout: prompt jobs may legitimately
	// outlive the shell timeout ceiling.
	d, err := time.ParseDuration(c.Prompt.RawTimeout)
	if err != nil || d <= 0 {
		return DefaultPromptTimeout
	}
	if d < MinTimeout {
		return MinTimeout
	}
	return d
}

// PromptMaxOutputBytes returns the output ceiling for prompt jobs.
func (c *Config) PromptMaxOutputBytes() int {
	return clampOutput(c.Prompt.RawMaxOutput, DefaultPromptMaxOutput)
}

// DBPath returns the configured job database path, or a default under
// dir when unset.
func (c *Config) DBPath(dir string) string {
	if c.DB != "" {
		return c.DB
	}
	return filepath.Join(dir, "foreman.db.sqlite")
}

func parseTimeout(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	if d < MinTimeout {
		return MinTimeout
	}
	if d > MaxTimeout {
		return MaxTimeout
	}
	return d
}

func clampOutput(raw, fallback int) int {
	if raw <= 0 {
		return fallback
	}
	if raw < MinMaxOutput {
		return MinMaxOutput
	}
	if raw > MaxMaxOutput {
		return MaxMaxOutput
	}
	return raw
}

// Load reads the .foreman file from workspace. If none exists, a default
// Config is returned.
func Load(workspace string) (*Config, error) {
	path := filepath.Join(workspace, ".foreman")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading .foreman: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing .foreman: %w", err)
	}
	return cfg, nil
}
