// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the daemon configuration: defaults, YAML file,
// and LOOM_* environment overrides, applied in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/loomhq/loom/pkg/errors"
)

// Config is the full daemon configuration.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"dbPath"`

	// WorkerCount sizes the dispatcher worker pool.
	WorkerCount int `yaml:"workerCount"`

	// DefaultTimeoutMs bounds step invocations without a declared timeout.
	DefaultTimeoutMs int `yaml:"defaultTimeoutMs"`

	// ShutdownGracePeriodMs is how long Stop waits for in-flight steps.
	ShutdownGracePeriodMs int `yaml:"shutdownGracePeriodMs"`

	// DefinitionsDir is watched for workflow definition files (optional).
	DefinitionsDir string `yaml:"definitionsDir"`

	// CronEnabled arms schedule triggers.
	CronEnabled bool `yaml:"cronEnabled"`

	// Server configures the HTTP adapter.
	Server ServerConfig `yaml:"server"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// TracingEnabled wires the OpenTelemetry tracer provider.
	TracingEnabled bool `yaml:"tracingEnabled"`
}

// ServerConfig configures the webhook/API listener.
type ServerConfig struct {
	// Enabled starts the HTTP adapter.
	Enabled bool `yaml:"enabled"`

	// Host is the bind address.
	Host string `yaml:"host"`

	// Port is the listen port.
	Port int `yaml:"port"`

	// MaxConnections caps concurrent requests (0 = unlimited).
	MaxConnections int `yaml:"maxConnections"`
}

// LogConfig mirrors internal/log settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		DBPath:                "loom.db",
		WorkerCount:           16,
		DefaultTimeoutMs:      30000,
		ShutdownGracePeriodMs: 10000,
		CronEnabled:           true,
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then LOOM_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ValidationError{
				Field:   "config",
				Message: fmt.Sprintf("cannot read config file %s: %v", path, err),
			}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ValidationError{
				Field:      "config",
				Message:    fmt.Sprintf("malformed config file %s: %v", path, err),
				Suggestion: "check the YAML against the documented settings",
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays LOOM_* environment variables.
func (c *Config) applyEnv() {
	envString("LOOM_DB_PATH", &c.DBPath)
	envInt("LOOM_WORKERS", &c.WorkerCount)
	envInt("LOOM_DEFAULT_TIMEOUT_MS", &c.DefaultTimeoutMs)
	envInt("LOOM_SHUTDOWN_GRACE_MS", &c.ShutdownGracePeriodMs)
	envString("LOOM_DEFINITIONS_DIR", &c.DefinitionsDir)
	envBool("LOOM_CRON_ENABLED", &c.CronEnabled)
	envBool("LOOM_SERVER_ENABLED", &c.Server.Enabled)
	envString("LOOM_SERVER_HOST", &c.Server.Host)
	envInt("LOOM_SERVER_PORT", &c.Server.Port)
	envInt("LOOM_SERVER_MAX_CONNECTIONS", &c.Server.MaxConnections)
	envString("LOOM_LOG_LEVEL", &c.Log.Level)
	envString("LOOM_LOG_FORMAT", &c.Log.Format)
	envBool("LOOM_TRACING_ENABLED", &c.TracingEnabled)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return &errors.ValidationError{Field: "dbPath", Message: "dbPath is required"}
	}
	if c.WorkerCount < 1 {
		return &errors.ValidationError{Field: "workerCount", Message: "workerCount must be at least 1"}
	}
	if c.DefaultTimeoutMs < 0 {
		return &errors.ValidationError{Field: "defaultTimeoutMs", Message: "defaultTimeoutMs must not be negative"}
	}
	if c.ShutdownGracePeriodMs < 0 {
		return &errors.ValidationError{Field: "shutdownGracePeriodMs", Message: "shutdownGracePeriodMs must not be negative"}
	}
	if c.Server.Enabled {
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			return &errors.ValidationError{Field: "server.port", Message: "server.port must be in 1..65535"}
		}
		if c.Server.MaxConnections < 0 {
			return &errors.ValidationError{Field: "server.maxConnections", Message: "server.maxConnections must not be negative"}
		}
	}
	return nil
}

// ListenAddr renders the HTTP adapter bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	switch os.Getenv(name) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}
