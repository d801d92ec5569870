package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "AGENTLOOP_"

// envKeyOverrides maps environment variable names (minus prefix) whose
// config keys contain underscores, so the generic first-underscore-is-a-dot
// transform cannot derive them.
var envKeyOverrides = map[string]string{
	"WORKER_FALLBACK_MODEL":        "worker.fallback_model",
	"WORKER_ANALYST_MODEL":         "worker.analyst_model",
	"RETRY_MAX_ATTEMPTS":           "retry.max_attempts",
	"SESSION_COMPACTION_THRESHOLD": "session.compaction_threshold",
	"SESSION_SUMMARY_WORDS":        "session.summary_words",
	"STATE_DIR":                    "state_dir",
}

// Load builds configuration from defaults, an optional YAML file, and
// AGENTLOOP_* environment variables, in increasing precedence.
//
// Examples:
//
//	AGENTLOOP_WORKER_MODEL=opus
//	AGENTLOOP_RETRY_MAX_ATTEMPTS=3
//	AGENTLOOP_CHECKPOINT_ENABLED=false
//
// A missing file is not an error; an unreadable or malformed file is.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// transformEnvKey maps AGENTLOOP_WORKER_MODEL to worker.model and so on.
// Compound keys that contain underscores are resolved via envKeyOverrides.
func transformEnvKey(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	if key, ok := envKeyOverrides[s]; ok {
		return key
	}
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}
