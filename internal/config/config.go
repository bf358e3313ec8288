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

// Package config loads service configuration from a YAML file with
// environment-variable overrides. Precedence, lowest to highest:
// defaults, config file, environment, CLI flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BV-BRC/workflow-engine/pkg/errors"
)

// Config is the root configuration for the workflow service.
type Config struct {
	API       APIConfig       `yaml:"api"`
	MongoDB   MongoConfig     `yaml:"mongodb"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MongoConfig configures the workflow document store.
type MongoConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Database   string `yaml:"database"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Collection string `yaml:"collection"`
}

// URI builds a mongodb:// connection string, escaping credentials.
func (c MongoConfig) URI() string {
	if c.Username != "" {
		return fmt.Sprintf("mongodb://%s:%s@%s:%d",
			url.QueryEscape(c.Username), url.QueryEscape(c.Password), c.Host, c.Port)
	}
	return fmt.Sprintf("mongodb://%s:%d", c.Host, c.Port)
}

// SchedulerConfig configures the JSON-RPC scheduler gateway.
// An empty URL puts the gateway in placeholder mode: submissions get a
// locally generated task id and a warning. That mode exists for offline
// testing only.
type SchedulerConfig struct {
	URL     string        `yaml:"url"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// WorkspaceConfig configures the workspace probe used by output
// deconfliction.
type WorkspaceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	// CheckOutputFileConflicts toggles the output deconflict pass.
	CheckOutputFileConflicts bool `yaml:"check_output_file_conflicts"`
	// MaxOutputFileAttempts caps the _k suffix search.
	MaxOutputFileAttempts int `yaml:"max_output_file_attempts"`
}

// ExecutorConfig configures the polling execution loop.
type ExecutorConfig struct {
	PollingInterval  time.Duration `yaml:"polling_interval"`
	MaxParallelSteps int           `yaml:"max_parallel_steps"`
	AutoResume       bool          `yaml:"auto_resume"`

	// WorkflowLogDir is where per-workflow log files are written.
	WorkflowLogDir string `yaml:"workflow_log_dir"`
}

// LoggingConfig configures process-level logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		MongoDB: MongoConfig{
			Host:       "localhost",
			Port:       27017,
			Database:   "workflow_engine",
			Collection: "workflows",
		},
		Scheduler: SchedulerConfig{
			Timeout: 30 * time.Second,
		},
		Workspace: WorkspaceConfig{
			Timeout:                  30 * time.Second,
			CheckOutputFileConflicts: true,
			MaxOutputFileAttempts:    100,
		},
		Executor: ExecutorConfig{
			PollingInterval:  10 * time.Second,
			MaxParallelSteps: 2,
			AutoResume:       true,
			WorkflowLogDir:   "logs/workflows",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults,
// then applies environment overrides. A missing file at an explicitly
// given path is an error; env-only operation uses path == "".
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "cannot read config file", Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "config", Reason: "cannot parse config file", Cause: err}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays the documented environment variables on top of file
// values. Env always wins over the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("MONGODB_HOST"); v != "" {
		c.MongoDB.Host = v
	}
	if v := os.Getenv("MONGODB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return &errors.ConfigError{Key: "MONGODB_PORT", Reason: "must be an integer", Cause: err}
		}
		c.MongoDB.Port = p
	}
	if v := os.Getenv("MONGODB_DATABASE"); v != "" {
		c.MongoDB.Database = v
	}
	if v := os.Getenv("MONGODB_USERNAME"); v != "" {
		c.MongoDB.Username = v
	}
	if v := os.Getenv("MONGODB_PASSWORD"); v != "" {
		c.MongoDB.Password = v
	}
	if v := os.Getenv("API_HOST"); v != "" {
		c.API.Host = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return &errors.ConfigError{Key: "API_PORT", Reason: "must be an integer", Cause: err}
		}
		c.API.Port = p
	}
	if v := os.Getenv("SCHEDULER_URL"); v != "" {
		c.Scheduler.URL = v
	}
	if v := os.Getenv("WORKSPACE_URL"); v != "" {
		c.Workspace.URL = v
	}
	if v := os.Getenv("CHECK_OUTPUT_FILE_CONFLICTS"); v != "" {
		c.Workspace.CheckOutputFileConflicts = parseBool(v)
	}
	if v := os.Getenv("MAX_OUTPUT_FILE_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &errors.ConfigError{Key: "MAX_OUTPUT_FILE_ATTEMPTS", Reason: "must be an integer", Cause: err}
		}
		c.Workspace.MaxOutputFileAttempts = n
	}
	return nil
}

// Validate checks invariants that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return &errors.ConfigError{Key: "api.port", Reason: fmt.Sprintf("invalid port %d", c.API.Port)}
	}
	// An empty mongodb.host selects the in-memory store.
	if c.MongoDB.Host != "" && c.MongoDB.Database == "" {
		return &errors.ConfigError{Key: "mongodb.database", Reason: "must not be empty"}
	}
	if c.Executor.PollingInterval <= 0 {
		return &errors.ConfigError{Key: "executor.polling_interval", Reason: "must be positive"}
	}
	if c.Executor.MaxParallelSteps < 1 {
		return &errors.ConfigError{Key: "executor.max_parallel_steps", Reason: "must be at least 1"}
	}
	if c.Workspace.MaxOutputFileAttempts < 1 {
		return &errors.ConfigError{Key: "workspace.max_output_file_attempts", Reason: "must be at least 1"}
	}
	return nil
}

func parseBool(v string) bool {
	switch v {
	case "true", "1", "yes", "on", "True", "TRUE", "Yes", "YES":
		return true
	}
	return false
}
