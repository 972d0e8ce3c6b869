package metrics

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/screentest-io/screentest/internal/config"
)

// Config holds metric engine tuning loaded from .screentest.yaml. The
// neutral_* values are what BaselineEngine reports for measures it cannot
// compute; they default to passable so baseline bundles only reject or flag
// on decode and duration evidence.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type Config struct {
	NeutralFacePresentRatio float64 `yaml:"neutral_face_present_ratio"`
	NeutralBlurScore        float64 `yaml:"neutral_blur_score"`
	NeutralFreezeFrameRatio float64 `yaml:"neutral_freeze_frame_ratio"`
	NeutralFlickerScore     float64 `yaml:"neutral_flicker_score"`
	NeutralMouthAudioCorr   float64 `yaml:"neutral_mouth_audio_corr"`
	ProbeTimeoutSeconds     int     `yaml:"probe_timeout_seconds"`
}

// DefaultConfigPath is the default location for the screentest configuration
// file. Uses hidden file format following common tool conventions
// (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".screentest.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "SCREENTEST_CONFIG_PATH"

// DefaultConfig returns the built-in tuning.
func DefaultConfig() *Config {
	return &Config{
		NeutralFacePresentRatio: 1.0,
		NeutralBlurScore:        100.0,
		NeutralFreezeFrameRatio: 0.0,
		NeutralFlickerScore:     0.0,
		NeutralMouthAudioCorr:   0.0,
		ProbeTimeoutSeconds:     30,
	}
}

// ProbeTimeout returns the per-probe deadline as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

// LoadConfig loads metric tuning from a YAML file at the given path.
//
// Behavior:
//   - Returns defaults (not error) if file doesn't exist - tuning is optional
//   - Returns defaults + logs warning if YAML is invalid (graceful degradation)
//   - Returns defaults overlaid with the file's keys on success; unspecified
//     keys keep their defaults
//
// This graceful degradation ensures the worker can start without a config
// file, as metric tuning is an optional feature.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - tuning is optional
			slog.Debug("Config file not found, using default metric tuning",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, using default metric tuning",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just no overrides
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with defaults
		slog.Warn("Failed to parse config file, using default metric tuning",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in
// SCREENTEST_CONFIG_PATH environment variable. Falls back to
// ".screentest.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
