package config

import "time"

// StreamingConfig controls session hosting and subscriber fan-out.
type StreamingConfig struct {
	HostingMode HostingMode `yaml:"hosting_mode"`

	// WriteTimeout bounds a single write to one subscriber.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// SubscriberBuffer is how many frames a subscriber may lag before it
	// is dropped.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// KeepaliveInterval is the SSE comment heartbeat period.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// IdleEviction is how long an idle coordinator without subscribers is
	// kept in memory.
	IdleEviction time.Duration `yaml:"idle_eviction"`

	// WakePollInterval and WakeDelay only apply in scheduled mode.
	WakePollInterval time.Duration `yaml:"wake_poll_interval"`
	WakeDelay        time.Duration `yaml:"wake_delay"`
	WakeClaimBatch   int           `yaml:"wake_claim_batch"`
}

// DefaultStreamingConfig returns the built-in streaming defaults.
func DefaultStreamingConfig() *StreamingConfig {
	return &StreamingConfig{
		HostingMode:       HostingModeProcess,
		WriteTimeout:      10 * time.Second,
		SubscriberBuffer:  256,
		KeepaliveInterval: 15 * time.Second,
		IdleEviction:      10 * time.Minute,
		WakePollInterval:  1 * time.Second,
		WakeDelay:         0,
		WakeClaimBatch:    50,
	}
}

// APIConfig controls the HTTP surface.
type APIConfig struct {
	// RunRateLimit is the sustained number of run requests per second
	// accepted for a single chat; RunRateBurst is the bucket size.
	RunRateLimit float64 `yaml:"run_rate_limit"`
	RunRateBurst int     `yaml:"run_rate_burst"`

	// AllowedWSOrigins lists extra origin patterns accepted on WebSocket
	// upgrades.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// DefaultAPIConfig returns the built-in API defaults.
func DefaultAPIConfig() *APIConfig {
	return &APIConfig{
		RunRateLimit: 2,
		RunRateBurst: 5,
	}
}
