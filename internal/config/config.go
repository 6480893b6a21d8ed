package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all capcore configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Capability control core
	Core CoreConfig `yaml:"core"`

	// Policy engine
	Policy PolicyConfig `yaml:"policy"`

	// Knowledge fusion engine
	Knowledge KnowledgeConfig `yaml:"knowledge"`

	// Audit store
	Store StoreConfig `yaml:"store"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// CoreConfig configures the lease manager and supervisory loops.
type CoreConfig struct {
	MaxConcurrentLeases  int    `yaml:"max_concurrent_leases"`
	DefaultLeaseDuration string `yaml:"default_lease_duration"`
	EmergencyTimeout     string `yaml:"emergency_timeout"`
	SafetyCheckInterval  string `yaml:"safety_check_interval"`
	ExpirySweepInterval  string `yaml:"expiry_sweep_interval"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	// Optional YAML file with per-policy rule parameters. When set, the
	// policy watcher hot-reloads it on change.
	RulesPath string `yaml:"rules_path"`

	// Watch the rules file for changes
	WatchRules bool `yaml:"watch_rules"`
}

// KnowledgeConfig configures the knowledge fusion engine.
type KnowledgeConfig struct {
	SimilarityThreshold   float64 `yaml:"similarity_threshold"`
	MaxConnectionsPerNode int     `yaml:"max_connections_per_node"`
}

// StoreConfig configures the SQLite audit store.
type StoreConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "capcore",
		Version: "0.3.0",

		Core: CoreConfig{
			MaxConcurrentLeases:  10,
			DefaultLeaseDuration: "300s",
			EmergencyTimeout:     "5s",
			SafetyCheckInterval:  "1s",
			ExpirySweepInterval:  "10s",
		},

		Policy: PolicyConfig{
			RulesPath:  filepath.Join(".capcore", "policy_rules.yaml"),
			WatchRules: false,
		},

		Knowledge: KnowledgeConfig{
			SimilarityThreshold:   0.8,
			MaxConnectionsPerNode: 10,
		},

		Store: StoreConfig{
			Enabled:      false,
			DatabasePath: filepath.Join("data", "capcore.db"),
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CAPCORE_MAX_LEASES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Core.MaxConcurrentLeases = n
		}
	}
	if v := os.Getenv("CAPCORE_LEASE_DURATION"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Core.DefaultLeaseDuration = v
		}
	}
	if v := os.Getenv("CAPCORE_EMERGENCY_TIMEOUT"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Core.EmergencyTimeout = v
		}
	}
	if path := os.Getenv("CAPCORE_DB"); path != "" {
		c.Store.DatabasePath = path
		c.Store.Enabled = true
	}
	if path := os.Getenv("CAPCORE_POLICY_RULES"); path != "" {
		c.Policy.RulesPath = path
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Core.MaxConcurrentLeases < 0 {
		return fmt.Errorf("max_concurrent_leases must be >= 0")
	}
	if d := c.GetDefaultLeaseDuration(); d <= 0 {
		return fmt.Errorf("default_lease_duration must be positive")
	}
	if d := c.GetEmergencyTimeout(); d <= 0 {
		return fmt.Errorf("emergency_timeout must be positive")
	}
	if d := c.GetSafetyCheckInterval(); d <= 0 {
		return fmt.Errorf("safety_check_interval must be positive")
	}
	if d := c.GetExpirySweepInterval(); d <= 0 {
		return fmt.Errorf("expiry_sweep_interval must be positive")
	}
	if c.Knowledge.SimilarityThreshold < 0 || c.Knowledge.SimilarityThreshold > 1 {
		return fmt.Errorf("knowledge similarity_threshold must be in [0,1]")
	}
	return nil
}

// GetDefaultLeaseDuration returns the default lease duration.
func (c *Config) GetDefaultLeaseDuration() time.Duration {
	return parseDuration(c.Core.DefaultLeaseDuration, 300*time.Second)
}

// GetEmergencyTimeout returns the kill switch staleness base timeout.
func (c *Config) GetEmergencyTimeout() time.Duration {
	return parseDuration(c.Core.EmergencyTimeout, 5*time.Second)
}

// GetSafetyCheckInterval returns the safety loop poll interval.
func (c *Config) GetSafetyCheckInterval() time.Duration {
	return parseDuration(c.Core.SafetyCheckInterval, time.Second)
}

// GetExpirySweepInterval returns the lease expiry sweep interval.
func (c *Config) GetExpirySweepInterval() time.Duration {
	return parseDuration(c.Core.ExpirySweepInterval, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
