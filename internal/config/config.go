// Package config provides configuration loading for agentloop.
package config

import (
	"fmt"
	"time"
)

// MaxAttempts is the hard ceiling on attempts per work item. Configured
// values above it are rejected, not clamped.
const MaxAttempts = 5

// Config is the full agentloop configuration.
type Config struct {
	// Worker configures the claude CLI invocations.
	Worker WorkerConfig `koanf:"worker"`

	// Retry configures the attempt loop.
	Retry RetryConfig `koanf:"retry"`

	// Session configures continuation and compaction behavior.
	Session SessionConfig `koanf:"session"`

	// Checkpoint configures jj-based attempt isolation.
	Checkpoint CheckpointConfig `koanf:"checkpoint"`

	// StateDir is where run state and captured logs live.
	StateDir string `koanf:"state_dir"`

	// Logging configures the zap logger.
	Logging LoggingConfig `koanf:"logging"`
}

// WorkerConfig controls how the external claude worker is invoked.
type WorkerConfig struct {
	// Binary is the claude CLI executable name or path.
	Binary string `koanf:"binary"`

	// Model is the model identifier requested for every item.
	Model string `koanf:"model"`

	// FallbackModel, when set, is alternated with Model after
	// rate-limit or timeout failures.
	FallbackModel string `koanf:"fallback_model"`

	// AnalystModel is the lightweight model used for failure analysis.
	AnalystModel string `koanf:"analyst_model"`

	// Timeout bounds a single worker invocation.
	Timeout Duration `koanf:"timeout"`
}

// RetryConfig controls the per-item attempt loop.
type RetryConfig struct {
	// MaxAttempts is the attempt ceiling per item (1..MaxAttempts).
	MaxAttempts int `koanf:"max_attempts"`
}

// SessionConfig controls continuation and compaction.
type SessionConfig struct {
	// CompactionThreshold is the fraction of the context window at
	// which a session is summarized and restarted.
	CompactionThreshold float64 `koanf:"compaction_threshold"`

	// SummaryWords bounds the requested compaction summary length.
	SummaryWords int `koanf:"summary_words"`
}

// CheckpointConfig controls per-attempt VCS isolation.
type CheckpointConfig struct {
	// Enabled turns checkpointing off entirely when false.
	Enabled bool `koanf:"enabled"`

	// Binary is the jj executable name or path.
	Binary string `koanf:"binary"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Binary:       "claude",
			Model:        "sonnet",
			AnalystModel: "haiku",
			Timeout:      Duration(300 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: MaxAttempts,
		},
		Session: SessionConfig{
			CompactionThreshold: 0.80,
			SummaryWords:        300,
		},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Binary:  "jj",
		},
		StateDir: ".agentloop",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Worker.Binary == "" {
		return fmt.Errorf("worker.binary cannot be empty")
	}
	if c.Worker.Model == "" {
		return fmt.Errorf("worker.model cannot be empty")
	}
	if c.Worker.Timeout.Duration() <= 0 {
		return fmt.Errorf("worker.timeout must be > 0")
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > MaxAttempts {
		return fmt.Errorf("retry.max_attempts must be in [1, %d], got %d", MaxAttempts, c.Retry.MaxAttempts)
	}
	if c.Session.CompactionThreshold <= 0 || c.Session.CompactionThreshold > 1 {
		return fmt.Errorf("session.compaction_threshold must be in (0, 1], got %v", c.Session.CompactionThreshold)
	}
	if c.Session.SummaryWords <= 0 {
		return fmt.Errorf("session.summary_words must be > 0")
	}
	if c.Checkpoint.Enabled && c.Checkpoint.Binary == "" {
		return fmt.Errorf("checkpoint.binary cannot be empty when checkpointing is enabled")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
