// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Default process-notification timing, matching the values the
// trust-graph originally hardcoded.
const (
	DefaultProcessDelay            = 60 * time.Second
	DefaultDisconnectAfterFailures = 5
)

// Config is the master configuration for subscriptiond.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Repository configures the durable notification store.
	Repository RepositoryConfig `yaml:"repository"`

	// Transport configures the subscriber-facing socket.
	Transport TransportConfig `yaml:"transport"`

	// Engine configures delivery timing and failure handling.
	Engine EngineConfig `yaml:"engine"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Repository *RepositoryConfig `yaml:"repository,omitempty"`
	Transport  *TransportConfig  `yaml:"transport,omitempty"`
	Engine     *EngineConfig     `yaml:"engine,omitempty"`
	Metrics    *MetricsConfig    `yaml:"metrics,omitempty"`
}

// RepositoryConfig configures the durable SQLite notification store.
type RepositoryConfig struct {
	// Path is the SQLite database file. Use ":memory:" for tests.
	// Default: /var/lib/subscriptiond/state.db
	Path string `yaml:"path"`

	// PoolSize is the number of pooled SQLite connections.
	// Default: 4
	PoolSize int `yaml:"pool_size"`
}

// TransportConfig configures the subscriber-facing Unix socket.
type TransportConfig struct {
	// SocketPath is the Unix socket that subscribers connect to.
	// Default: /run/subscriptiond/engine.sock
	SocketPath string `yaml:"socket_path"`
}

// EngineConfig configures delivery timing and client failure handling.
type EngineConfig struct {
	// ProcessDelay is how long the deployment ticker waits between
	// notification-delivery passes. Default: 60s
	ProcessDelay time.Duration `yaml:"process_delay"`

	// DisconnectAfterFailures is the number of consecutive delivery
	// failures after which a client is forcibly unsubscribed.
	// Default: 5
	DisconnectAfterFailures int `yaml:"disconnect_after_failures"`
}

// MetricsConfig configures the Prometheus exposition endpoint.
type MetricsConfig struct {
	// ListenAddress is the host:port the /metrics HTTP handler binds to.
	// Default: 127.0.0.1:9090
	ListenAddress string `yaml:"listen_address"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	return &Config{
		Environment: Development,
		Repository: RepositoryConfig{
			Path:     "/var/lib/subscriptiond/state.db",
			PoolSize: 4,
		},
		Transport: TransportConfig{
			SocketPath: "/run/subscriptiond/engine.sock",
		},
		Engine: EngineConfig{
			ProcessDelay:            DefaultProcessDelay,
			DisconnectAfterFailures: DefaultDisconnectAfterFailures,
		},
		Metrics: MetricsConfig{
			ListenAddress: "127.0.0.1:9090",
		},
	}
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values - this ensures deterministic,
// auditable configuration. The only expansion performed is ${HOME} and
// similar variables within path and address fields, for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.Repository != nil {
		if overrides.Repository.Path != "" {
			c.Repository.Path = overrides.Repository.Path
		}
		if overrides.Repository.PoolSize != 0 {
			c.Repository.PoolSize = overrides.Repository.PoolSize
		}
	}

	if overrides.Transport != nil {
		if overrides.Transport.SocketPath != "" {
			c.Transport.SocketPath = overrides.Transport.SocketPath
		}
	}

	if overrides.Engine != nil {
		if overrides.Engine.ProcessDelay != 0 {
			c.Engine.ProcessDelay = overrides.Engine.ProcessDelay
		}
		if overrides.Engine.DisconnectAfterFailures != 0 {
			c.Engine.DisconnectAfterFailures = overrides.Engine.DisconnectAfterFailures
		}
	}

	if overrides.Metrics != nil {
		if overrides.Metrics.ListenAddress != "" {
			c.Metrics.ListenAddress = overrides.Metrics.ListenAddress
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Repository.Path = expandVars(c.Repository.Path, vars)
	c.Transport.SocketPath = expandVars(c.Transport.SocketPath, vars)
	c.Metrics.ListenAddress = expandVars(c.Metrics.ListenAddress, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Repository.Path == "" {
		errs = append(errs, fmt.Errorf("repository.path is required"))
	}
	if c.Repository.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("repository.pool_size must be positive"))
	}

	if c.Transport.SocketPath == "" {
		errs = append(errs, fmt.Errorf("transport.socket_path is required"))
	}

	if c.Engine.ProcessDelay <= 0 {
		errs = append(errs, fmt.Errorf("engine.process_delay must be positive"))
	}
	if c.Engine.DisconnectAfterFailures <= 0 {
		errs = append(errs, fmt.Errorf("engine.disconnect_after_failures must be positive"))
	}

	if c.Metrics.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("metrics.listen_address is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
