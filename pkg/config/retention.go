package config

import "time"

// RetentionConfig controls cleanup of coordination state.
type RetentionConfig struct {
	// WakeClaimTTL is how long a claimed wake marker may stay claimed
	// before the sweep returns it to the due queue. Covers pods that died
	// between claiming a wake and finishing the step.
	WakeClaimTTL time.Duration `yaml:"wake_claim_ttl"`

	// OrphanReason is recorded on steps this pod left open across a restart.
	OrphanReason string `yaml:"orphan_reason"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		WakeClaimTTL: 5 * time.Minute,
		OrphanReason: "pod restarted while step was executing",
	}
}
