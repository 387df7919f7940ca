// Package config loads the engine configuration file: cache location,
// worker backend selection, and default retry/timeout policy. Values not
// present in the file keep their defaults, so a partial config is valid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all taskgraph engine configuration.
type Config struct {
	// Cache configuration.
	Cache CacheConfig `yaml:"cache"`

	// Workers selects backends per environment tag.
	Workers WorkersConfig `yaml:"workers"`

	// Scheduler defaults applied to nodes with no explicit policy.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging controls the structured log output.
	Logging LoggingConfig `yaml:"logging"`
}

// CacheConfig locates the content-addressed store.
type CacheConfig struct {
	Root string `yaml:"root"`
	// GCAge is how old a completed entry must be before `cache gc`
	// sweeps it. Zero disables age-based sweeping.
	GCAge string `yaml:"gc_age"`
}

// WorkersConfig maps environment tags to backend kinds. Default applies to
// nodes with no environment binding.
type WorkersConfig struct {
	Default string `yaml:"default"`
	// Environments maps an environment tag to a backend kind:
	// "local", "container", or "cluster".
	Environments map[string]string `yaml:"environments"`
}

// SchedulerConfig carries the scheduler-wide defaults.
type SchedulerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	MaxAttempts int    `yaml:"max_attempts"`
	Backoff     string `yaml:"backoff"`
	Timeout     string `yaml:"timeout"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			Root:  defaultCacheRoot(),
			GCAge: "720h",
		},
		Workers: WorkersConfig{
			Default:      "local",
			Environments: map[string]string{},
		},
		Scheduler: SchedulerConfig{
			Concurrency: 8,
			MaxAttempts: 1,
		},
	}
}

func defaultCacheRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskgraph/cache"
	}
	return filepath.Join(home, ".taskgraph", "cache")
}

// Load reads path, layering its values over DefaultConfig. A missing file
// is not an error: the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir for %s: %w", path, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the engine cannot honor.
func (c *Config) Validate() error {
	if c.Scheduler.Concurrency < 0 {
		return fmt.Errorf("config: scheduler.concurrency must be >= 0, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.MaxAttempts < 0 {
		return fmt.Errorf("config: scheduler.max_attempts must be >= 0, got %d", c.Scheduler.MaxAttempts)
	}
	for _, d := range []string{c.Scheduler.Backoff, c.Scheduler.Timeout, c.Cache.GCAge} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("config: bad duration %q: %w", d, err)
		}
	}
	for env, kind := range c.Workers.Environments {
		switch kind {
		case "local", "container", "cluster":
		default:
			return fmt.Errorf("config: workers.environments[%s]: unknown backend kind %q", env, kind)
		}
	}
	return nil
}

// GCAgeDuration parses Cache.GCAge; zero means sweeping is disabled.
func (c *Config) GCAgeDuration() time.Duration {
	d, err := time.ParseDuration(c.Cache.GCAge)
	if err != nil {
		return 0
	}
	return d
}

// BackoffDuration parses Scheduler.Backoff; zero means retry immediately.
func (c *Config) BackoffDuration() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.Backoff)
	if err != nil {
		return 0
	}
	return d
}

// TimeoutDuration parses Scheduler.Timeout; zero means no timeout.
func (c *Config) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Scheduler.Timeout)
	if err != nil {
		return 0
	}
	return d
}
