// Package config handles run configuration for simrunner.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents one run's configuration (config.yaml plus flag
// overrides). The orchestrator owns a deep copy per attempt lineage;
// mutable fields such as ExcludedTests accumulate during a lineage and
// are discarded when a restart re-clones the original.
type Config struct {
	// Output settings
	OutputDir      string   `yaml:"outputDir"`      // Report/log output directory ("" = temp files)
	ReportFormats  []string `yaml:"reportFormats"`  // Enabled formats: plain, junit, json
	ReportToStdout bool     `yaml:"reportToStdout"` // Write reports to stdout instead of files

	// App under test
	BundleID string `yaml:"bundleId"` // Test bundle identity
	AppPath  string `yaml:"appPath"`  // App binary (.app) to install

	// Device settings
	DeviceType string `yaml:"deviceType"` // e.g. "iPhone 15"
	Runtime    string `yaml:"runtime"`    // e.g. "iOS 17.2" ("" = latest)

	// Retry budgets
	FailureTolerance int `yaml:"failureTolerance"` // Restart-from-scratch budget
	MaxRetries       int `yaml:"maxRetries"`       // Maximum attempts across restart and continue

	// Step watchdog intervals
	CreateTimeout time.Duration `yaml:"createTimeout"`
	LaunchTimeout time.Duration `yaml:"launchTimeout"`
	DeleteTimeout time.Duration `yaml:"deleteTimeout"`

	// Monitor poll policy
	PollInterval    time.Duration `yaml:"pollInterval"`    // Initial liveness poll interval
	PollMaxInterval time.Duration `yaml:"pollMaxInterval"` // Back-off cap

	// Execution settings
	ExcludedTests []string          `yaml:"excludedTests"` // Tests skipped on continue attempts
	Env           map[string]string `yaml:"env"`           // Environment passed to the app
}

// Default watchdog and poll settings.
const (
	DefaultCreateTimeout   = 60 * time.Second
	DefaultLaunchTimeout   = 300 * time.Second
	DefaultDeleteTimeout   = 60 * time.Second
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultPollMaxInterval = time.Second
)

// Load loads configuration from a file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// LoadFromDir looks for config.yaml or config.yml in the directory.
func LoadFromDir(dir string) (*Config, error) {
	// Try config.yaml first
	configPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// Try config.yml
	configPath = filepath.Join(dir, "config.yml")
	if _, err := os.Stat(configPath); err == nil {
		return Load(configPath)
	}

	// No config file found, return defaults
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills zero-valued timing fields.
func (c *Config) ApplyDefaults() {
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = DefaultCreateTimeout
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = DefaultLaunchTimeout
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollMaxInterval <= 0 {
		c.PollMaxInterval = DefaultPollMaxInterval
	}
	if len(c.ReportFormats) == 0 {
		c.ReportFormats = []string{"plain"}
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BundleID == "" {
		return fmt.Errorf("bundleId is required")
	}
	if c.DeviceType == "" {
		return fmt.Errorf("deviceType is required")
	}
	if c.FailureTolerance < 0 {
		return fmt.Errorf("failureTolerance must not be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries must not be negative")
	}
	return nil
}

// Clone returns a deep copy. A restart attempt takes its configuration
// from a fresh clone of the original so that exclusions accumulated by
// earlier attempts are not carried over.
func (c *Config) Clone() *Config {
	clone := *c

	clone.ReportFormats = append([]string(nil), c.ReportFormats...)
	clone.ExcludedTests = append([]string(nil), c.ExcludedTests...)

	if c.Env != nil {
		clone.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			clone.Env[k] = v
		}
	}

	return &clone
}
