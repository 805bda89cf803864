// Package config loads supervisor settings from ~/.skatepark/config.yaml
// and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvQueueDelay = "GT_SKATEPARK_QUEUE_DELAY"
	EnvListen     = "SKATEPARK_LISTEN"
	EnvAuditDB    = "SKATEPARK_AUDIT_DB"
	EnvMaxRuns    = "SKATEPARK_MAX_RUNS"
	EnvPython     = "SKATEPARK_PYTHON"
	EnvHome       = "SKATEPARK_HOME"
)

// Config holds supervisor configuration.
type Config struct {
	// Listen is the HTTP listen address; it also forms the callback base URL.
	Listen string `yaml:"listen"`
	// SettleDelay is how long a live process stays QUEUED before it is reported RUNNING.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// LaunchTimeout bounds process spawn. Exceeding it fails the run.
	LaunchTimeout time.Duration `yaml:"launch_timeout"`
	// BuildTimeout bounds each build step.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// KillGrace is the wait between SIGTERM and SIGKILL on cancel.
	KillGrace time.Duration `yaml:"kill_grace"`
	// ReconcileInterval is the background sweep period; zero disables it.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// MaxConcurrentRuns bounds non-terminal runs; zero means unlimited.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`
	// Python is the base interpreter used to create virtual environments.
	Python string `yaml:"python"`
	// AuditDB is the decision journal path; empty disables it.
	AuditDB string `yaml:"audit_db"`
	// LogFormat is json or text.
	LogFormat string `yaml:"log_format"`
	Verbose   bool   `yaml:"verbose"`
}

// Dir returns the skatepark data directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return getEnv(EnvHome, filepath.Join(home, ".skatepark"))
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:            "127.0.0.1:5000",
		SettleDelay:       2 * time.Second,
		LaunchTimeout:     10 * time.Second,
		BuildTimeout:      10 * time.Minute,
		KillGrace:         5 * time.Second,
		ReconcileInterval: time.Second,
		MaxConcurrentRuns: 10,
		Python:            "python3",
		AuditDB:           filepath.Join(Dir(), "audit.db"),
		LogFormat:         "json",
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFromHome loads configuration from ~/.skatepark/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	return LoadConfig(filepath.Join(Dir(), "config.yaml"))
}

// SaveConfig writes cfg as YAML, creating parent directories if needed.
func SaveConfig(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ApplyEnv overlays environment overrides onto c.
func (c *Config) ApplyEnv() error {
	c.Listen = getEnv(EnvListen, c.Listen)
	c.AuditDB = getEnv(EnvAuditDB, c.AuditDB)
	c.Python = getEnv(EnvPython, c.Python)

	if v, ok := os.LookupEnv(EnvQueueDelay); ok {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvQueueDelay, err)
		}
		c.SettleDelay = time.Duration(secs * float64(time.Second))
	}
	if v, ok := os.LookupEnv(EnvMaxRuns); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxRuns, err)
		}
		c.MaxConcurrentRuns = n
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen must be set")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle_delay must not be negative")
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("launch_timeout must be positive")
	}
	if c.BuildTimeout <= 0 {
		return fmt.Errorf("build_timeout must be positive")
	}
	if c.KillGrace < 0 || c.ReconcileInterval < 0 {
		return fmt.Errorf("kill_grace and reconcile_interval must not be negative")
	}
	if c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs must not be negative")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q, must be: json or text", c.LogFormat)
	}
	return nil
}

// BaseURL is the callback address injected into child processes.
func (c *Config) BaseURL() string {
	return "http://" + c.Listen + "/"
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
