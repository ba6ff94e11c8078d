// Package configs provides configurations for e2e tests.
// Configs are built in code (not YAML) so each test can tune timings.
package configs

import (
	"time"

	"github.com/codespacesh/blink-sub003/pkg/config"
)

// Process returns a config for the in-process hosting mode with test timings.
func Process() *config.Config {
	cfg := config.Default()
	cfg.Runs.StallThreshold = 2 * time.Second
	cfg.Runs.HeartbeatInterval = 100 * time.Millisecond
	cfg.Runs.SweepSchedule = "@every 1s"
	cfg.Runs.GracefulShutdownTimeout = 5 * time.Second
	cfg.Agents.RequestTimeout = 10 * time.Second
	cfg.Streaming.KeepaliveInterval = time.Second
	cfg.Streaming.WriteTimeout = 2 * time.Second
	cfg.API.RunRateLimit = 100
	cfg.API.RunRateBurst = 100
	return cfg
}

// Scheduled returns a config where every step runs in its own activation.
func Scheduled() *config.Config {
	cfg := Process()
	cfg.Streaming.HostingMode = config.HostingModeScheduled
	cfg.Streaming.WakePollInterval = 50 * time.Millisecond
	cfg.Streaming.WakeClaimBatch = 10
	return cfg
}
