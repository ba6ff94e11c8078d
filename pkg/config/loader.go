package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "blink.yaml"

// BlinkYAMLConfig represents the complete blink.yaml file structure.
// Every section is optional.
type BlinkYAMLConfig struct {
	Runs      *RunsConfig      `yaml:"runs"`
	Streaming *StreamingConfig `yaml:"streaming"`
	Agents    *AgentsConfig    `yaml:"agents"`
	Retention *RetentionConfig `yaml:"retention"`
	API       *APIConfig       `yaml:"api"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read blink.yaml from configDir (a missing file means all defaults)
//  2. Expand {{.VAR}} environment references
//  3. Parse YAML
//  4. Merge each section over its built-in defaults
//  5. Validate
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"hosting_mode", cfg.Streaming.HostingMode,
		"stall_threshold", cfg.Runs.StallThreshold,
		"sweep_schedule", cfg.Runs.SweepSchedule)

	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	var file BlinkYAMLConfig
	err := loadYAML(filepath.Join(configDir, FileName), &file)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		slog.Warn("No configuration file found, using defaults", "path", filepath.Join(configDir, FileName))
	default:
		return nil, NewLoadError(FileName, err)
	}

	cfg := Default()
	cfg.configDir = configDir

	// Non-zero values from the file override the defaults.
	if err := mergeSection("runs", cfg.Runs, file.Runs); err != nil {
		return nil, err
	}
	if err := mergeSection("streaming", cfg.Streaming, file.Streaming); err != nil {
		return nil, err
	}
	if err := mergeSection("agents", cfg.Agents, file.Agents); err != nil {
		return nil, err
	}
	if err := mergeSection("retention", cfg.Retention, file.Retention); err != nil {
		return nil, err
	}
	if err := mergeSection("api", cfg.API, file.API); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeSection[T any](name string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// loadYAML reads path, expands environment references and decodes it into
// target. A missing file is returned as-is so callers can test it with
// os.IsNotExist.
func loadYAML(path string, target any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}
