// Package config provides configuration for the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds CLI configuration.
type Config struct {
	// Addr is the task service endpoint.
	Addr string `yaml:"addr"`

	// Output format
	Format string `yaml:"format"` // json, table, yaml

	// Timeout bounds a single RPC.
	Timeout time.Duration `yaml:"timeout"`

	// Verbosity
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the built-in defaults overridden by the
// environment.
func DefaultConfig() *Config {
	cfg := builtin()
	cfg.applyEnv()
	return cfg
}

func builtin() *Config {
	return &Config{
		Addr:    "localhost:9300",
		Format:  "table",
		Timeout: 30 * time.Second,
	}
}

// DefaultPath is ~/.llmeval/config.yaml, or "" when there is no home
// directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".llmeval", "config.yaml")
}

// Load reads the YAML file at path on top of the defaults, then applies the
// environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := builtin()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = getEnv("LLMEVAL_ADDR", c.Addr)
	c.Format = getEnv("LLMEVAL_FORMAT", c.Format)
	c.Timeout = getEnvDuration("LLMEVAL_TIMEOUT", c.Timeout)
	c.Verbose = getEnvBool("LLMEVAL_VERBOSE", c.Verbose)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
