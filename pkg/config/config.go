// Package config loads CLI settings for gosandbox.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines runtime settings for the gosandbox CLI.
type Config struct {
	// Policy is the interchange document applied to every sandbox the CLI creates.
	Policy     string   `yaml:"policy"`
	IncludeDir string   `yaml:"includeDir"`
	EnvFiles   []string `yaml:"envFiles"`
	Timeout    string   `yaml:"timeout"`
	MaxOutput  int      `yaml:"maxOutput"`
	LogLevel   string   `yaml:"logLevel"`
	LogFormat  string   `yaml:"logFormat"`
}

// LoadConfig loads configuration from a YAML file and environment overrides.
// A missing file at the default path is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Timeout:   "30s",
		LogLevel:  "info",
		LogFormat: "text",
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !os.IsNotExist(err):
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if v := os.Getenv("GOSANDBOX_POLICY"); v != "" {
		cfg.Policy = v
	}
	if v := os.Getenv("GOSANDBOX_INCLUDE_DIR"); v != "" {
		cfg.IncludeDir = v
	}
	if v := os.Getenv("GOSANDBOX_TIMEOUT"); v != "" {
		cfg.Timeout = v
	}
	if v := os.Getenv("GOSANDBOX_MAX_OUTPUT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("GOSANDBOX_MAX_OUTPUT: %w", err)
		}
		cfg.MaxOutput = n
	}
	if v := os.Getenv("GOSANDBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GOSANDBOX_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if _, err := cfg.TimeoutDuration(); err != nil {
		return nil, err
	}
	if cfg.Policy != "" {
		if _, err := os.Stat(cfg.Policy); os.IsNotExist(err) {
			return nil, fmt.Errorf("policy document does not exist: %s", cfg.Policy)
		}
	}
	return cfg, nil
}

// TimeoutDuration parses Timeout. Zero disables the host-side timeout.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse timeout: %w", err)
	}
	return d, nil
}

// DefaultConfigPath returns the default location for the CLI config file.
func DefaultConfigPath() string {
	if path := os.Getenv("GOSANDBOX_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gosandbox", "config.yaml")
}
