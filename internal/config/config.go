// Package config holds all configuration types and loading logic for the
// envelope reconciliation engine.
// Config structure never shrinks — fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an engine instance.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Intake    IntakeConfig    `yaml:"intake"`
	Decrypt   DecryptConfig   `yaml:"decrypt"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Commit    CommitConfig    `yaml:"commit"`
	Retry     RetryConfig     `yaml:"retry"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// EngineConfig holds process-wide settings.
type EngineConfig struct {
	// DataDir is where the bbolt message store lives.
	DataDir string `yaml:"data_dir"`
	// Workers is the number of concurrent envelope-processing tasks.
	Workers int `yaml:"workers"`
}

// IntakeConfig bounds the envelope intake queue.
type IntakeConfig struct {
	// Capacity is the maximum backlog before Enqueue signals backpressure.
	Capacity int `yaml:"capacity"`
}

// DecryptConfig bounds the decryption collaborator call.
type DecryptConfig struct {
	// TimeoutMs caps a single decrypt call. Exceeding it surfaces as a
	// retryable timeout, never a hang.
	TimeoutMs int `yaml:"timeout_ms"`
}

// DedupConfig bounds the in-memory ledger in front of the persisted store.
type DedupConfig struct {
	// MaxEntries caps the LRU of recently seen envelope identities.
	MaxEntries int `yaml:"max_entries"`
	// MaxAgeMs caps how long an identity stays in the LRU before the store
	// becomes the only source of truth for it again.
	MaxAgeMs int64 `yaml:"max_age_ms"`
}

// BufferConfig bounds the early-arrival buffer.
type BufferConfig struct {
	// TTL is how long a parked control message may wait for its target.
	// The protocol default is 30 days: a referenced message can legitimately
	// take that long to sync, but never forever.
	TTL string `yaml:"ttl"`
	// MaxEntries caps total parked items; at capacity the oldest is evicted.
	MaxEntries int `yaml:"max_entries"`
	// MaxAttempts caps resolution attempts before an item is dropped.
	MaxAttempts int `yaml:"max_attempts"`
	// SweepInterval is how often the eviction sweeper runs.
	SweepInterval string `yaml:"sweep_interval"`
}

// CommitConfig tunes the persistence coordinator.
type CommitConfig struct {
	// MaxAttempts bounds retries on transient store contention.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseBackoffMs and MaxBackoffMs bound the exponential retry delay.
	BaseBackoffMs int64 `yaml:"base_backoff_ms"`
	MaxBackoffMs  int64 `yaml:"max_backoff_ms"`
	// AttemptTimeoutMs caps a single store commit call.
	AttemptTimeoutMs int64 `yaml:"attempt_timeout_ms"`
}

// RetryConfig tunes envelope-level retry of transient failures.
type RetryConfig struct {
	// MaxAttempts bounds processing attempts per envelope before the failure
	// is surfaced as persistent rather than retried again.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseBackoffMs and MaxBackoffMs bound the exponential re-enqueue delay.
	BaseBackoffMs int64 `yaml:"base_backoff_ms"`
	MaxBackoffMs  int64 `yaml:"max_backoff_ms"`
}

// TransportConfig tunes the WebSocket envelope source.
type TransportConfig struct {
	// MaxRate is envelopes per second accepted per sending device.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
	// ReadLimitBytes caps a single transport frame.
	ReadLimitBytes int64 `yaml:"read_limit_bytes"`
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			Workers: 4,
		},
		Intake: IntakeConfig{
			Capacity: 4_096,
		},
		Decrypt: DecryptConfig{
			TimeoutMs: 10_000,
		},
		Dedup: DedupConfig{
			MaxEntries: 50_000,
			MaxAgeMs:   30 * 60 * 1000, // 30 minutes
		},
		Buffer: BufferConfig{
			TTL:           "720h", // 30 days
			MaxEntries:    25_000,
			MaxAttempts:   500,
			SweepInterval: "1m",
		},
		Commit: CommitConfig{
			MaxAttempts:      5,
			BaseBackoffMs:    50,
			MaxBackoffMs:     2_000,
			AttemptTimeoutMs: 10_000,
		},
		Retry: RetryConfig{
			MaxAttempts:   6,
			BaseBackoffMs: 1_000,
			MaxBackoffMs:  60_000,
		},
		Transport: TransportConfig{
			MaxRate:        100,
			Burst:          500,
			ReadLimitBytes: 1 << 20, // 1 MiB
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error, so
// the engine can run with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	ENVELOPEQ_DATA_DIR      — sets engine.data_dir
//	ENVELOPEQ_WORKERS       — sets engine.workers
//	ENVELOPEQ_METRICS_PORT  — sets metrics.port
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ENVELOPEQ_DATA_DIR"); v != "" {
		cfg.Engine.DataDir = v
	}
	if v := os.Getenv("ENVELOPEQ_WORKERS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			cfg.Engine.Workers = n
		}
	}
	if v := os.Getenv("ENVELOPEQ_METRICS_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
}

// BufferTTL parses Buffer.TTL.
func (c *Config) BufferTTL() (time.Duration, error) {
	return time.ParseDuration(c.Buffer.TTL)
}

// BufferSweepInterval parses Buffer.SweepInterval.
func (c *Config) BufferSweepInterval() (time.Duration, error) {
	return time.ParseDuration(c.Buffer.SweepInterval)
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return errors.New("engine.data_dir must not be empty")
	}
	if c.Engine.Workers < 1 {
		return errors.New("engine.workers must be at least 1")
	}
	if c.Intake.Capacity < 1 {
		return errors.New("intake.capacity must be at least 1")
	}
	if c.Decrypt.TimeoutMs < 1 {
		return errors.New("decrypt.timeout_ms must be at least 1")
	}
	if c.Dedup.MaxEntries < 1 {
		return errors.New("dedup.max_entries must be at least 1")
	}
	if c.Buffer.MaxEntries < 1 {
		return errors.New("buffer.max_entries must be at least 1")
	}
	if c.Buffer.MaxAttempts < 1 {
		return errors.New("buffer.max_attempts must be at least 1")
	}
	if _, err := c.BufferTTL(); err != nil {
		return fmt.Errorf("buffer.ttl: %w", err)
	}
	if _, err := c.BufferSweepInterval(); err != nil {
		return fmt.Errorf("buffer.sweep_interval: %w", err)
	}
	if c.Commit.MaxAttempts < 1 {
		return errors.New("commit.max_attempts must be at least 1")
	}
	if c.Commit.BaseBackoffMs < 1 || c.Commit.MaxBackoffMs < c.Commit.BaseBackoffMs {
		return errors.New("commit backoff bounds must satisfy 1 <= base <= max")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseBackoffMs < 1 || c.Retry.MaxBackoffMs < c.Retry.BaseBackoffMs {
		return errors.New("retry backoff bounds must satisfy 1 <= base <= max")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}
