package config

import "time"

// RunsConfig controls step supervision.
type RunsConfig struct {
	// StallThreshold is how long an open step may go without a heartbeat
	// before reconcile or the sweep marks it stalled.
	StallThreshold time.Duration `yaml:"stall_threshold"`

	// HeartbeatInterval is how often an executing step refreshes its
	// heartbeat. Must be well below StallThreshold.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SweepSchedule is the cron expression (or @every descriptor) for the
	// global stalled-step and stale-wake sweep.
	SweepSchedule string `yaml:"sweep_schedule"`

	// GracefulShutdownTimeout bounds how long shutdown waits for in-flight
	// steps to reach a boundary.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultRunsConfig returns the built-in run defaults.
func DefaultRunsConfig() *RunsConfig {
	return &RunsConfig{
		StallThreshold:          2 * time.Minute,
		HeartbeatInterval:       15 * time.Second,
		SweepSchedule:           "@every 1m",
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// AgentsConfig controls calls to agent deployments.
type AgentsConfig struct {
	// RequestTimeout bounds one step request, including the full event stream.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultAgentsConfig returns the built-in agent client defaults.
func DefaultAgentsConfig() *AgentsConfig {
	return &AgentsConfig{
		RequestTimeout: 10 * time.Minute,
	}
}
