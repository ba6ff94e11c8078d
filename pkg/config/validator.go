package config

import (
	"fmt"
	"strings"
)

// ConfigValidator validates configuration with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll validates every section (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateRuns(); err != nil {
		return err
	}
	if err := v.validateStreaming(); err != nil {
		return err
	}
	if err := v.validateAgents(); err != nil {
		return err
	}
	if err := v.validateRetention(); err != nil {
		return err
	}
	return v.validateAPI()
}

func (v *ConfigValidator) validateRuns() error {
	r := v.cfg.Runs
	if r == nil {
		return NewValidationError("runs", "", ErrMissingRequiredField)
	}
	if r.StallThreshold <= 0 {
		return NewValidationError("runs", "stall_threshold", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if r.HeartbeatInterval <= 0 {
		return NewValidationError("runs", "heartbeat_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	// A heartbeat slower than the stall threshold would get healthy steps healed.
	if r.HeartbeatInterval*2 > r.StallThreshold {
		return NewValidationError("runs", "heartbeat_interval",
			fmt.Errorf("%w: must be at most half of stall_threshold (%s)", ErrInvalidValue, r.StallThreshold))
	}
	if _, err := ParseSchedule(r.SweepSchedule); err != nil {
		return NewValidationError("runs", "sweep_schedule", err)
	}
	if r.GracefulShutdownTimeout <= 0 {
		return NewValidationError("runs", "graceful_shutdown_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateStreaming() error {
	s := v.cfg.Streaming
	if s == nil {
		return NewValidationError("streaming", "", ErrMissingRequiredField)
	}
	if !s.HostingMode.IsValid() {
		return NewValidationError("streaming", "hosting_mode",
			fmt.Errorf("%w: %q (expected %s or %s)", ErrInvalidValue, s.HostingMode, HostingModeProcess, HostingModeScheduled))
	}
	if s.SubscriberBuffer < 1 || s.SubscriberBuffer > 65536 {
		return NewValidationError("streaming", "subscriber_buffer", fmt.Errorf("%w: must be between 1 and 65536", ErrInvalidValue))
	}
	if s.WriteTimeout <= 0 {
		return NewValidationError("streaming", "write_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.KeepaliveInterval <= 0 {
		return NewValidationError("streaming", "keepalive_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if s.IdleEviction < 0 {
		return NewValidationError("streaming", "idle_eviction", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if s.HostingMode == HostingModeScheduled {
		if s.WakePollInterval <= 0 {
			return NewValidationError("streaming", "wake_poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
		}
		if s.WakeDelay < 0 {
			return NewValidationError("streaming", "wake_delay", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
		if s.WakeClaimBatch < 1 {
			return NewValidationError("streaming", "wake_claim_batch", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	a := v.cfg.Agents
	if a == nil {
		return NewValidationError("agents", "", ErrMissingRequiredField)
	}
	if a.RequestTimeout <= 0 {
		return NewValidationError("agents", "request_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r == nil {
		return NewValidationError("retention", "", ErrMissingRequiredField)
	}
	if r.WakeClaimTTL <= 0 {
		return NewValidationError("retention", "wake_claim_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if strings.TrimSpace(r.OrphanReason) == "" {
		return NewValidationError("retention", "orphan_reason", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateAPI() error {
	a := v.cfg.API
	if a == nil {
		return NewValidationError("api", "", ErrMissingRequiredField)
	}
	if a.RunRateLimit <= 0 {
		return NewValidationError("api", "run_rate_limit", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if a.RunRateBurst < 1 {
		return NewValidationError("api", "run_rate_burst", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	for i, origin := range a.AllowedWSOrigins {
		if strings.TrimSpace(origin) == "" {
			return NewValidationError("api", fmt.Sprintf("allowed_ws_origins[%d]", i), ErrMissingRequiredField)
		}
	}
	return nil
}
