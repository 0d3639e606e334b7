// Package config loads the daemon configuration from a TOML file, applies
// defaults and validates the result before anything is constructed from it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Storage selects the workflow instance store backend.
type Storage struct {
	// Backend is one of "memory", "sqlite", "postgres".
	Backend string `toml:"backend" validate:"oneof=memory sqlite postgres"`
	// DSN is the sqlite file path or postgres connection string. Unused
	// for the memory backend.
	DSN string `toml:"dsn" validate:"required_unless=Backend memory"`
}

// Queue selects the stage queue backend.
type Queue struct {
	// Backend is one of "memory", "sqlite", "redis". The sqlite backend
	// shares the storage DSN.
	Backend string `toml:"backend" validate:"oneof=memory sqlite redis"`
	// VisibilitySeconds is how long a delivered job stays invisible before
	// it is assumed lost and redelivered.
	VisibilitySeconds int `toml:"visibility_seconds" validate:"min=1"`

	RedisAddr     string `toml:"redis_addr" validate:"required_if=Backend redis"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db" validate:"min=0"`
}

// Spool configures the upload spool directory watched for new documents.
type Spool struct {
	Dir string `toml:"dir" validate:"required"`
	// ScanSeconds is how often the inbox is rescanned for new uploads.
	ScanSeconds int `toml:"scan_seconds" validate:"min=1"`
}

// Extractor configures the external AI extraction service.
type Extractor struct {
	BaseURL           string  `toml:"base_url" validate:"required,url"`
	APIKey            string  `toml:"api_key"`
	RequestsPerSecond float64 `toml:"requests_per_second" validate:"min=0"`
}

// Commerce configures the commerce platform the records sync to.
type Commerce struct {
	BaseURL string `toml:"base_url" validate:"required,url"`
	APIKey  string `toml:"api_key"`
}

// Pipeline configures timeout budgets and retry policy.
type Pipeline struct {
	// CeilingSeconds is the whole-pipeline wall clock budget per workflow.
	CeilingSeconds int `toml:"ceiling_seconds" validate:"min=1"`
	// MaxAttempts is the retry ceiling per stage.
	MaxAttempts int `toml:"max_attempts" validate:"min=1"`

	BaseBackoffMS      int `toml:"base_backoff_ms" validate:"min=1"`
	RateLimitBackoffMS int `toml:"rate_limit_backoff_ms" validate:"min=1"`
	MaxBackoffMS       int `toml:"max_backoff_ms" validate:"min=1"`

	// ChunkThresholdRunes is the text length above which extraction input
	// is split; ChunkSizeRunes is the window size.
	ChunkThresholdRunes int `toml:"chunk_threshold_runes" validate:"min=1"`
	ChunkSizeRunes      int `toml:"chunk_size_runes" validate:"min=1"`

	// LockTTLSeconds is the slack added to a stage budget when sizing the
	// instance lock.
	LockTTLSeconds int `toml:"lock_ttl_seconds" validate:"min=1"`
	// SweepSchedule is a cron expression for the stale lock sweeper.
	SweepSchedule string `toml:"sweep_schedule" validate:"required"`
}

// Workers configures stage concurrency.
type Workers struct {
	Extracting int `toml:"extracting" validate:"min=1"`
	Persisting int `toml:"persisting" validate:"min=1"`
	Syncing    int `toml:"syncing" validate:"min=1"`
	Finalizing int `toml:"finalizing" validate:"min=1"`
}

// Config is the full daemon configuration.
type Config struct {
	// LockFile guards against a second daemon on the same spool.
	LockFile string `toml:"lock_file" validate:"required"`

	Storage   Storage   `toml:"storage"`
	Queue     Queue     `toml:"queue"`
	Spool     Spool     `toml:"spool"`
	Extractor Extractor `toml:"extractor"`
	Commerce  Commerce  `toml:"commerce"`
	Pipeline  Pipeline  `toml:"pipeline"`
	Workers   Workers   `toml:"workers"`
}

// Default returns the configuration used when a field is absent from the
// file. The service URLs have no defaults and must be configured.
func Default() Config {
	return Config{
		LockFile: "/var/run/docflow.lock",
		Storage: Storage{
			Backend: "sqlite",
			DSN:     "docflow.db",
		},
		Queue: Queue{
			Backend:           "sqlite",
			VisibilitySeconds: 120,
		},
		Spool: Spool{
			Dir:         "/var/spool/docflow",
			ScanSeconds: 15,
		},
		Extractor: Extractor{
			RequestsPerSecond: 5,
		},
		Pipeline: Pipeline{
			CeilingSeconds:      900,
			MaxAttempts:         3,
			BaseBackoffMS:       2000,
			RateLimitBackoffMS:  15000,
			MaxBackoffMS:        120000,
			ChunkThresholdRunes: 8000,
			ChunkSizeRunes:      4000,
			LockTTLSeconds:      120,
			SweepSchedule:       "@every 1m",
		},
		Workers: Workers{
			Extracting: 4,
			Persisting: 2,
			Syncing:    2,
			Finalizing: 1,
		},
	}
}

// Load reads the TOML file at path over the defaults and validates the
// merged result. A missing file is an error; an empty path loads pure
// defaults (which fail validation until the service URLs are set).
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("config file %s does not exist", path)
			}
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the struct tags plus the cross-field rules the tags can't
// express.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Pipeline.ChunkSizeRunes > c.Pipeline.ChunkThresholdRunes {
		return fmt.Errorf("invalid config: chunk_size_runes (%d) exceeds chunk_threshold_runes (%d)",
			c.Pipeline.ChunkSizeRunes, c.Pipeline.ChunkThresholdRunes)
	}
	if c.Queue.Backend == "sqlite" && c.Storage.Backend != "sqlite" {
		return fmt.Errorf("invalid config: sqlite queue requires sqlite storage (shares the DSN)")
	}
	return nil
}

// Durations derived from the integer fields.

func (c *Config) Visibility() time.Duration { return time.Duration(c.Queue.VisibilitySeconds) * time.Second }
func (c *Config) Ceiling() time.Duration    { return time.Duration(c.Pipeline.CeilingSeconds) * time.Second }
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Pipeline.BaseBackoffMS) * time.Millisecond
}
func (c *Config) RateLimitBackoff() time.Duration {
	return time.Duration(c.Pipeline.RateLimitBackoffMS) * time.Millisecond
}
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Pipeline.MaxBackoffMS) * time.Millisecond
}
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Pipeline.LockTTLSeconds) * time.Second
}
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Spool.ScanSeconds) * time.Second
}
