/*
Package config resolves backend settings by named provider key, per
spec.md §6.

SHAPE:

  persistence:
    defaultProvider: primary
    providers:
      primary:
        type: Sqlite
        enabled: true
        settings: { DataSource: ./data.db, Schema: app }
        retry: { enabled: true, maxRetries: 3, initialDelayMs: 10, maxDelayMs: 1000, backoffMultiplier: 2 }

Settings is backend-specific and decoded by each backend's constructor
(register.go in kv/memkv, kv/fskv, kv/sqlkv) through the shared
factory.DecodeSettings helper; config itself
stays opaque to backend internals, the way the teacher's factory
(factory/policy.go) resolves a Type tag without knowing every backend's
settings shape.
*/
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Persistence Persistence `yaml:"persistence"`
}

// Persistence holds the named provider table.
type Persistence struct {
	DefaultProvider string                    `yaml:"defaultProvider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one named backend instance.
type ProviderConfig struct {
	Type           string         `yaml:"type"`
	Enabled        bool           `yaml:"enabled"`
	Settings       map[string]any `yaml:"settings"`
	Retry          RetryConfig    `yaml:"retry"`
	CircuitBreaker CircuitBreaker `yaml:"circuitBreaker"`
}

// RetryConfig holds a provider's retry settings as read from config.
// tx.ExecuteWithRetry takes its retry count and initial delay as
// arguments and does not read this struct.
type RetryConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MaxRetries        int     `yaml:"maxRetries"`
	InitialDelayMs    int     `yaml:"initialDelayMs"`
	MaxDelayMs        int     `yaml:"maxDelayMs"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

// CircuitBreaker is accepted for config-shape compatibility; the core
// kernel (spec.md §1) does not implement circuit breaking itself — an
// external collaborator may read this field to wrap a Provider.
type CircuitBreaker struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failureThreshold"`
	TimeoutMs        int  `yaml:"timeoutMs"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// Resolve looks up the named provider, falling back to DefaultProvider
// when name is empty. Returns (nil, nil) if the provider is absent or
// disabled.
func (c *Config) Resolve(name string) (*ProviderConfig, error) {
	if name == "" {
		name = c.Persistence.DefaultProvider
	}
	pc, ok := c.Persistence.Providers[name]
	if !ok {
		return nil, nil
	}
	if !pc.Enabled {
		return nil, nil
	}
	return &pc, nil
}

// applyEnvOverrides lets KVTX_<PROVIDER>_<KEY> environment variables
// override individual Settings entries after YAML load, the way the
// teacher's cmd/server/main.go lets -db/-port flags win over defaults.
func (c *Config) applyEnvOverrides() {
	const prefix = "KVTX_"
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		kv := strings.SplitN(strings.TrimPrefix(env, prefix), "=", 2)
		if len(kv) != 2 {
			continue
		}
		parts := strings.SplitN(kv[0], "_", 2)
		if len(parts) != 2 {
			continue
		}
		providerName, settingKey := strings.ToLower(parts[0]), parts[1]
		pc, ok := c.Persistence.Providers[providerName]
		if !ok {
			continue
		}
		if pc.Settings == nil {
			pc.Settings = map[string]any{}
		}
		pc.Settings[settingKey] = kv[1]
		c.Persistence.Providers[providerName] = pc
	}
}
