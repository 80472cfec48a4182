// Package config provides configuration loading for pestcal.
// Operator settings come from ~/.pestcal/config.yaml and environment
// variables; calibration problems are described in their own YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings contains all pestcal operator settings.
type Settings struct {
	// Logging contains settings for operational and decision logging.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Engine holds defaults applied to every calibration run unless the
	// problem file overrides them.
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Store configures run persistence.
	Store StoreConfig `json:"store" yaml:"store"`

	// Export configures run archives.
	Export ExportConfig `json:"export" yaml:"export"`
}

// LoggingConfig configures pestcal's logging behavior.
type LoggingConfig struct {
	// Level sets the log verbosity: "warn", "info" (default), "debug", or "trace".
	// "debug" enables decision logging to .pestcal/decisions.jsonl.
	// "trace" additionally logs Jacobians and singular value spectra.
	Level string `json:"level" yaml:"level"`
}

// EngineConfig holds calibration defaults.
type EngineConfig struct {
	// Workers bounds concurrent forward runs during Jacobian estimation.
	// 0 means GOMAXPROCS.
	Workers int `json:"workers" yaml:"workers"`

	// Perturbation is the relative finite-difference step.
	Perturbation float64 `json:"perturbation" yaml:"perturbation"`

	// MaxIterations bounds parameter updates per run.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`

	// Tolerance is the relative parameter change that ends a run.
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`

	// ModelTimeout bounds one external simulator call. 0 disables the limit.
	ModelTimeout time.Duration `json:"model_timeout,omitempty" yaml:"model_timeout,omitempty"`
}

// StoreConfig configures the SQLite run history.
type StoreConfig struct {
	// Path is the database file. Supports ${VAR} syntax. Empty means
	// ~/.pestcal/runs.db.
	Path string `json:"path" yaml:"path"`
}

// ExportConfig configures run archives and their retention.
type ExportConfig struct {
	// Dir is where exported archives are written. Empty means
	// ~/.pestcal/exports.
	Dir string `json:"dir" yaml:"dir"`

	// Keep is the maximum number of archives kept by prune. 0 keeps all.
	Keep int `json:"keep" yaml:"keep"`

	// MaxAge removes archives older than this on prune. 0 disables.
	MaxAge time.Duration `json:"max_age,omitempty" yaml:"max_age,omitempty"`
}

// Default returns Settings with sensible defaults.
func Default() *Settings {
	return &Settings{
		Logging: LoggingConfig{
			Level: "info",
		},
		Engine: EngineConfig{
			Workers:       0,
			Perturbation:  1e-6,
			MaxIterations: 30,
			Tolerance:     1e-4,
		},
		Export: ExportConfig{
			Keep: 10,
		},
	}
}

// Dir returns the pestcal settings directory, ~/.pestcal.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".pestcal"), nil
}

// Load loads settings from the default location and environment variables.
// Order: defaults -> ~/.pestcal/config.yaml -> environment variables
func Load() (*Settings, error) {
	settings := Default()

	if dir, err := Dir(); err == nil {
		configPath := filepath.Join(dir, "config.yaml")
		if _, statErr := os.Stat(configPath); statErr == nil {
			fileSettings, loadErr := LoadFromFile(configPath)
			if loadErr != nil {
				return nil, fmt.Errorf("loading config file: %w", loadErr)
			}
			settings = fileSettings
		}
	}

	applyEnvOverrides(settings)

	return settings, nil
}

// LoadFromFile loads settings from a specific YAML file.
func LoadFromFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	settings := Default()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	settings.Store.Path = expandEnvVars(settings.Store.Path)
	settings.Export.Dir = expandEnvVars(settings.Export.Dir)

	return settings, nil
}

// Save writes the settings to path as YAML, creating parent directories.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the settings are valid.
func (s *Settings) Validate() error {
	validLevels := map[string]bool{"warn": true, "info": true, "debug": true, "trace": true}
	if s.Logging.Level != "" && !validLevels[s.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: warn, info, debug, trace, or empty for default)", s.Logging.Level)
	}

	if s.Engine.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", s.Engine.Workers)
	}
	if s.Engine.Perturbation < 0 || s.Engine.Perturbation >= 1 {
		return fmt.Errorf("perturbation must be in [0, 1), got %g", s.Engine.Perturbation)
	}
	if s.Engine.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be non-negative, got %d", s.Engine.MaxIterations)
	}
	if s.Engine.Tolerance < 0 {
		return fmt.Errorf("tolerance must be non-negative, got %g", s.Engine.Tolerance)
	}
	if s.Engine.ModelTimeout < 0 {
		return fmt.Errorf("model_timeout must be non-negative, got %v", s.Engine.ModelTimeout)
	}

	if s.Export.Keep < 0 {
		return fmt.Errorf("export keep must be non-negative, got %d", s.Export.Keep)
	}
	if s.Export.MaxAge < 0 {
		return fmt.Errorf("export max_age must be non-negative, got %v", s.Export.MaxAge)
	}

	return nil
}

// StorePath returns the configured database path or the default under the
// settings directory.
func (s *Settings) StorePath() (string, error) {
	if s.Store.Path != "" {
		return s.Store.Path, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runs.db"), nil
}

// ExportDir returns the configured archive directory or the default under
// the settings directory.
func (s *Settings) ExportDir() (string, error) {
	if s.Export.Dir != "" {
		return s.Export.Dir, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "exports"), nil
}

// applyEnvOverrides applies environment variable overrides to the settings.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("PESTCAL_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}

	if v := os.Getenv("PESTCAL_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.Engine.Workers = n
		}
	}

	if v := os.Getenv("PESTCAL_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.Engine.MaxIterations = n
		}
	}

	if v := os.Getenv("PESTCAL_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.Engine.Tolerance = f
		}
	}

	if v := os.Getenv("PESTCAL_STORE_PATH"); v != "" {
		s.Store.Path = expandEnvVars(v)
	}
}

// expandEnvVars expands ${VAR} patterns in a string with environment variable values.
func expandEnvVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, os.Getenv)
}
