// Package config holds the harness configuration. Values layer in order:
// built-in defaults, QSTRESS_* environment variables, an optional TOML config
// file, then command-line flags. Tiers can additionally be loaded from a YAML
// file, which replaces the tier list wholesale.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Tier describes one class of simulated tenants.
type Tier struct {
	// Name prefixes the generated team ids.
	Name string `toml:"name" yaml:"name"`

	// TeamCount is how many tenants this tier simulates.
	TeamCount int `toml:"team_count" yaml:"team_count"`

	// ConcurrencyLimit is the per-tenant cap on simultaneously active jobs.
	ConcurrencyLimit int `toml:"concurrency_limit" yaml:"concurrency_limit"`

	// JobsPerSecond is the per-tenant synthetic push rate.
	JobsPerSecond float64 `toml:"jobs_per_second" yaml:"jobs_per_second"`
}

// HeadroomConfig configures the optional resource guard that pauses job
// generation under memory or CPU pressure.
type HeadroomConfig struct {
	Enabled bool `toml:"enabled"`

	// MemoryThreshold is the used-memory fraction above which generation
	// pauses.
	MemoryThreshold float64 `toml:"memory_threshold"`

	// CPUThreshold is the CPU utilization fraction above which generation
	// pauses.
	CPUThreshold float64 `toml:"cpu_threshold"`
}

// Config is the full harness configuration.
type Config struct {
	// ServiceURL is the base URL of the concurrency-queue service.
	ServiceURL string `toml:"service_url"`

	// DurationSeconds is how long the load phase runs.
	DurationSeconds int `toml:"duration_seconds"`

	// WorkerConcurrency bounds concurrent remote calls.
	WorkerConcurrency int `toml:"worker_concurrency"`

	// MetricsBufferSize is the per-operation latency ring capacity.
	MetricsBufferSize int `toml:"metrics_buffer_size"`

	// ReportIntervalSeconds is the progress-line cadence.
	ReportIntervalSeconds int `toml:"report_interval_seconds"`

	// CorrectnessChecking enables the oracle.
	CorrectnessChecking bool `toml:"correctness_checking"`

	// JobProcessingDelayMs is the simulated per-job processing time.
	JobProcessingDelayMs int `toml:"job_processing_delay_ms"`

	// Tiers is the simulated tenant population.
	Tiers []Tier `toml:"tiers"`

	Verbose bool `toml:"verbose"`

	// Local starts an in-process stub queue service and points the client
	// at it, ignoring ServiceURL.
	Local bool `toml:"local"`

	// BusURL, when set, announces completions on a websocket bus.
	BusURL string `toml:"bus_url"`

	// MetricsDBPath, when set, persists the final report to a SQLite file.
	MetricsDBPath string `toml:"metrics_db_path"`

	Headroom HeadroomConfig `toml:"headroom"`
}

// Default returns the reference configuration.
func Default() Config {
	return Config{
		ServiceURL:            "http://localhost:3000",
		DurationSeconds:       60,
		WorkerConcurrency:     50,
		MetricsBufferSize:     10000,
		ReportIntervalSeconds: 10,
		CorrectnessChecking:   true,
		JobProcessingDelayMs:  5000,
		Tiers: []Tier{
			{Name: "free", TeamCount: 50, ConcurrencyLimit: 2, JobsPerSecond: 0.5},
			{Name: "hobby", TeamCount: 20, ConcurrencyLimit: 5, JobsPerSecond: 1},
			{Name: "standard", TeamCount: 10, ConcurrencyLimit: 20, JobsPerSecond: 2},
			{Name: "scale", TeamCount: 2, ConcurrencyLimit: 100, JobsPerSecond: 5},
		},
		Headroom: HeadroomConfig{
			MemoryThreshold: 0.90,
			CPUThreshold:    0.95,
		},
	}
}

// Load builds the configuration: defaults, then environment, then the TOML
// file at path (skipped when path is empty and the default location is
// absent). Flag overrides are the caller's job; cobra applies them after Load.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.applyEnv()

	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QSTRESS_SERVICE_URL"); v != "" {
		c.ServiceURL = v
	}
	if v := os.Getenv("QSTRESS_BUS_URL"); v != "" {
		c.BusURL = v
	}
	if v := os.Getenv("QSTRESS_METRICS_DB"); v != "" {
		c.MetricsDBPath = v
	}
	envInt("QSTRESS_DURATION_SECONDS", &c.DurationSeconds)
	envInt("QSTRESS_WORKER_CONCURRENCY", &c.WorkerConcurrency)
	envInt("QSTRESS_METRICS_BUFFER_SIZE", &c.MetricsBufferSize)
	envInt("QSTRESS_REPORT_INTERVAL_SECONDS", &c.ReportIntervalSeconds)
	envInt("QSTRESS_JOB_PROCESSING_DELAY_MS", &c.JobProcessingDelayMs)
	envBool("QSTRESS_CORRECTNESS_CHECKING", &c.CorrectnessChecking)
	envBool("QSTRESS_VERBOSE", &c.Verbose)
	envBool("QSTRESS_LOCAL", &c.Local)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if c.ServiceURL == "" && !c.Local {
		return fmt.Errorf("service_url must be set (or use --local)")
	}
	if c.DurationSeconds < 1 {
		return fmt.Errorf("duration_seconds must be at least 1, got %d", c.DurationSeconds)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.MetricsBufferSize < 1 {
		return fmt.Errorf("metrics_buffer_size must be at least 1, got %d", c.MetricsBufferSize)
	}
	if c.ReportIntervalSeconds < 1 {
		return fmt.Errorf("report_interval_seconds must be at least 1, got %d", c.ReportIntervalSeconds)
	}
	if c.JobProcessingDelayMs < 0 {
		return fmt.Errorf("job_processing_delay_ms must be non-negative, got %d", c.JobProcessingDelayMs)
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	seen := make(map[string]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d: name must be set", i)
		}
		if seen[t.Name] {
			return fmt.Errorf("tier %q: duplicate name", t.Name)
		}
		seen[t.Name] = true
		if t.TeamCount < 1 {
			return fmt.Errorf("tier %q: team_count must be at least 1, got %d", t.Name, t.TeamCount)
		}
		if t.ConcurrencyLimit < 1 {
			return fmt.Errorf("tier %q: concurrency_limit must be at least 1, got %d", t.Name, t.ConcurrencyLimit)
		}
		if t.JobsPerSecond <= 0 {
			return fmt.Errorf("tier %q: jobs_per_second must be positive, got %f", t.Name, t.JobsPerSecond)
		}
	}
	if c.Headroom.Enabled {
		if c.Headroom.MemoryThreshold <= 0 || c.Headroom.MemoryThreshold > 1 {
			return fmt.Errorf("headroom memory_threshold must be in (0,1], got %f", c.Headroom.MemoryThreshold)
		}
		if c.Headroom.CPUThreshold <= 0 || c.Headroom.CPUThreshold > 1 {
			return fmt.Errorf("headroom cpu_threshold must be in (0,1], got %f", c.Headroom.CPUThreshold)
		}
	}
	return nil
}

// Duration returns the load-phase duration.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSeconds) * time.Second
}

// JobProcessingDelay returns the simulated processing time.
func (c *Config) JobProcessingDelay() time.Duration {
	return time.Duration(c.JobProcessingDelayMs) * time.Millisecond
}

// ReportInterval returns the progress-report cadence.
func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalSeconds) * time.Second
}
