// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the Cordon tools.
type Config struct {
	// Sandbox configures the execution policy and sandbox layout.
	Sandbox SandboxConfig `yaml:"sandbox" json:"sandbox"`

	// Audit configures the encrypted audit log.
	Audit AuditConfig `yaml:"audit" json:"audit"`
}

// SandboxConfig configures command validation and execution.
type SandboxConfig struct {
	// Root is the parent directory for sandbox trees. Empty means the
	// system temp directory.
	Root string `yaml:"root" json:"root"`

	// GracePeriod is how long a terminated process gets between
	// SIGTERM and SIGKILL (Go duration string, e.g. "5s").
	GracePeriod string `yaml:"grace_period" json:"grace_period"`

	// Limits are the per-execution resource bounds. Zero fields keep
	// the built-in defaults.
	Limits LimitsConfig `yaml:"limits" json:"limits"`

	// AllowedBasePaths extends the path prefix allow-list beyond the
	// sandbox root.
	AllowedBasePaths []string `yaml:"allowed_base_paths" json:"allowed_base_paths"`

	// BlockedCommands replaces the built-in command deny-list when
	// non-empty.
	BlockedCommands []string `yaml:"blocked_commands" json:"blocked_commands"`

	// DeniedPatterns replaces the built-in dangerous-pattern list
	// when non-empty. Each entry must be a valid regular expression.
	DeniedPatterns []string `yaml:"denied_patterns" json:"denied_patterns"`

	// AllowedEnv names extra environment variables passed through to
	// sandboxed commands.
	AllowedEnv []string `yaml:"allowed_env" json:"allowed_env"`
}

// LimitsConfig mirrors the policy resource limits in file form.
type LimitsConfig struct {
	MaxMemoryMB       int64  `yaml:"max_memory_mb" json:"max_memory_mb"`
	MaxCPUSeconds     int64  `yaml:"max_cpu_seconds" json:"max_cpu_seconds"`
	MaxOutputBytes    int64  `yaml:"max_output_bytes" json:"max_output_bytes"`
	MaxOpenFiles      uint64 `yaml:"max_open_files" json:"max_open_files"`
	MaxChildProcesses uint64 `yaml:"max_child_processes" json:"max_child_processes"`
}

// AuditConfig configures the encrypted audit log.
type AuditConfig struct {
	// Directory receives the audit files. Required when auditing is
	// enabled.
	Directory string `yaml:"directory" json:"directory"`

	// KeyFile is the master key file: 64 hex characters, or an
	// age-encrypted file when KeyIdentityFile is also set.
	KeyFile string `yaml:"key_file" json:"key_file"`

	// KeyIdentityFile is the age identity used to decrypt KeyFile.
	KeyIdentityFile string `yaml:"key_identity_file" json:"key_identity_file"`

	// MaxFileSize is the rotation threshold in bytes.
	MaxFileSize int64 `yaml:"max_file_size" json:"max_file_size"`

	// MaxFiles is the retention count.
	MaxFiles int `yaml:"max_files" json:"max_files"`

	// CheckInterval is the proactive rotation check period (Go
	// duration string).
	CheckInterval string `yaml:"check_interval" json:"check_interval"`

	// Compression configures payload compression.
	Compression CompressionConfig `yaml:"compression" json:"compression"`

	// Codec selects the payload encoding: "json" or "cbor".
	Codec string `yaml:"codec" json:"codec"`

	// Iterations is the PBKDF2 iteration count.
	Iterations int `yaml:"iterations" json:"iterations"`
}

// CompressionConfig configures audit payload compression.
type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Threshold int    `yaml:"threshold" json:"threshold"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
}

// Load reads configuration from the file named by CORDON_CONFIG.
// Fails if the variable is unset: configuration is always explicit.
func Load() (*Config, error) {
	path := os.Getenv("CORDON_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CORDON_CONFIG environment variable not set; " +
			"point it at your cordon.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads configuration from the given path. Files ending in
// .json or .jsonc are parsed as JSON with comments and trailing
// commas; anything else is parsed as YAML.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// Validate checks field formats that cannot be expressed in the
// schema: duration strings, regular expressions, and enum values.
func (c *Config) Validate() error {
	if _, err := c.GracePeriod(); err != nil {
		return err
	}
	if _, err := c.CheckInterval(); err != nil {
		return err
	}
	for _, pattern := range c.Sandbox.DeniedPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("denied pattern %q: %w", pattern, err)
		}
	}
	switch c.Audit.Codec {
	case "", "json", "cbor":
	default:
		return fmt.Errorf("audit codec must be json or cbor, got %q", c.Audit.Codec)
	}
	switch c.Audit.Compression.Algorithm {
	case "", "zstd", "lz4":
	default:
		return fmt.Errorf("compression algorithm must be zstd or lz4, got %q",
			c.Audit.Compression.Algorithm)
	}
	if c.Audit.KeyIdentityFile != "" && c.Audit.KeyFile == "" {
		return fmt.Errorf("key_identity_file is set but key_file is empty")
	}
	return nil
}

// GracePeriod parses the sandbox grace period. Zero when unset.
func (c *Config) GracePeriod() (time.Duration, error) {
	return parseDuration("sandbox.grace_period", c.Sandbox.GracePeriod)
}

// CheckInterval parses the audit rotation check interval. Zero when
// unset.
func (c *Config) CheckInterval() (time.Duration, error) {
	return parseDuration("audit.check_interval", c.Audit.CheckInterval)
}

// CompiledDeniedPatterns compiles the configured pattern list.
// Validate has already checked them, so this only fails on a Config
// built in code with bad patterns.
func (c *Config) CompiledDeniedPatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(c.Sandbox.DeniedPatterns))
	for _, pattern := range c.Sandbox.DeniedPatterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("denied pattern %q: %w", pattern, err)
		}
		patterns = append(patterns, compiled)
	}
	return patterns, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if duration < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return duration, nil
}
