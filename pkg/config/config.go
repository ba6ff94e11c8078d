// Package config loads blink.yaml and resolves it against built-in defaults.
package config

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application. Every section is non-nil.
type Config struct {
	configDir string

	Runs      *RunsConfig
	Streaming *StreamingConfig
	Agents    *AgentsConfig
	Retention *RetentionConfig
	API       *APIConfig
}

// Default returns a Config built only from defaults, as used when no
// blink.yaml overrides anything.
func Default() *Config {
	return &Config{
		Runs:      DefaultRunsConfig(),
		Streaming: DefaultStreamingConfig(),
		Agents:    DefaultAgentsConfig(),
		Retention: DefaultRetentionConfig(),
		API:       DefaultAPIConfig(),
	}
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}
