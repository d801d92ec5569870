package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "claude", cfg.Worker.Binary)
	assert.Equal(t, "sonnet", cfg.Worker.Model)
	assert.Equal(t, "haiku", cfg.Worker.AnalystModel)
	assert.Equal(t, 300*time.Second, cfg.Worker.Timeout.Duration())
	assert.Equal(t, MaxAttempts, cfg.Retry.MaxAttempts)
	assert.Equal(t, 0.80, cfg.Session.CompactionThreshold)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "empty model",
			mutate:  func(c *Config) { c.Worker.Model = "" },
			wantErr: "worker.model",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Worker.Timeout = 0 },
			wantErr: "worker.timeout",
		},
		{
			name:    "attempts above ceiling",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 6 },
			wantErr: "retry.max_attempts",
		},
		{
			name:    "attempts below one",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: "retry.max_attempts",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Session.CompactionThreshold = 1.2 },
			wantErr: "compaction_threshold",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name: "checkpoint binary required when enabled",
			mutate: func(c *Config) {
				c.Checkpoint.Enabled = true
				c.Checkpoint.Binary = ""
			},
			wantErr: "checkpoint.binary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
worker:
  model: opus
  timeout: 120s
session:
  compaction_threshold: 0.5
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("AGENTLOOP_WORKER_MODEL", "sonnet")
	t.Setenv("AGENTLOOP_RETRY_MAX_ATTEMPTS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env wins over file, file wins over defaults.
	assert.Equal(t, "sonnet", cfg.Worker.Model)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 120*time.Second, cfg.Worker.Timeout.Duration())
	assert.Equal(t, 0.5, cfg.Session.CompactionThreshold)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Worker.Model, cfg.Worker.Model)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker: ["), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestTransformEnvKey(t *testing.T) {
	assert.Equal(t, "worker.model", transformEnvKey("AGENTLOOP_WORKER_MODEL"))
	assert.Equal(t, "worker.fallback_model", transformEnvKey("AGENTLOOP_WORKER_FALLBACK_MODEL"))
	assert.Equal(t, "state_dir", transformEnvKey("AGENTLOOP_STATE_DIR"))
	assert.Equal(t, "checkpoint.enabled", transformEnvKey("AGENTLOOP_CHECKPOINT_ENABLED"))
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	require.Error(t, d.UnmarshalText([]byte("-5s")))
	require.Error(t, d.UnmarshalText([]byte("bogus")))
}
