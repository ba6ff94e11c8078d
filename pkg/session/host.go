package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/config"
	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// Hosting modes.
const (
	ModeProcess   = "process"
	ModeScheduled = "scheduled"
)

// Host keeps coordinators alive for the chats this pod serves. Both
// implementations expose the same behavior to callers; they differ in how
// steps are scheduled and what survives between activations.
type Host interface {
	// Start begins or restarts the chat's execution loop.
	Start(ctx context.Context, chatID string, interrupt bool) error
	// Stop cancels the chat's running step, if any.
	Stop(ctx context.Context, chatID string) (bool, error)
	// Cancel stops the chat's step on this pod only and leaves durable
	// state alone. Used for control relayed from the pod that owns it.
	Cancel(chatID string) bool
	// Subscribe attaches a transport to the chat's output.
	Subscribe(chatID string, w stream.Writer, transport string) (*stream.Subscription, error)
	// NotifyMessages broadcasts a message.created or message.updated event.
	NotifyMessages(chatID, event string, messages any) error
	// Running reports whether the chat has a loop in flight on this pod.
	Running(chatID string) bool
	// Stats summarizes the host for health reporting.
	Stats() HostStats
	// Run performs background maintenance until ctx is done.
	Run(ctx context.Context)
	// Shutdown cancels every running step and waits for the loops to exit.
	Shutdown(ctx context.Context) error
}

// HostStats is a point-in-time summary of a host.
type HostStats struct {
	Mode        string `json:"mode"`
	Sessions    int    `json:"sessions"`
	Running     int    `json:"running"`
	Subscribers int    `json:"subscribers"`
}

// hostCore implements the parts of Host shared by both modes.
type hostCore struct {
	mode         string
	registry     *Registry
	idleEviction time.Duration

	mu       sync.RWMutex
	stopping bool
}

func newHostCore(mode string, idleEviction time.Duration, create func(chatID string) *Coordinator) *hostCore {
	return &hostCore{
		mode:         mode,
		registry:     NewRegistry(create),
		idleEviction: idleEviction,
	}
}

func (h *hostCore) isStopping() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stopping
}

// start and Subscribe hold the read lock until the coordinator has taken
// the request, so Shutdown drains every coordinator they could create.
func (h *hostCore) start(chatID string, interrupt bool) (bool, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopping {
		return false, ErrShuttingDown
	}
	return with(h.registry, chatID, func(c *Coordinator) (bool, error) {
		return c.Start(interrupt)
	})
}

func (h *hostCore) stop(chatID string) bool {
	c, ok := h.registry.Lookup(chatID)
	if !ok {
		return false
	}
	return c.Stop()
}

// Cancel implements Host.
func (h *hostCore) Cancel(chatID string) bool {
	return h.stop(chatID)
}

// Subscribe implements Host.
func (h *hostCore) Subscribe(chatID string, w stream.Writer, transport string) (*stream.Subscription, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopping {
		return nil, ErrShuttingDown
	}
	return with(h.registry, chatID, func(c *Coordinator) (*stream.Subscription, error) {
		return c.Subscribe(w, transport)
	})
}

// NotifyMessages implements Host. Chats without a coordinator have nobody
// to notify.
func (h *hostCore) NotifyMessages(chatID, event string, messages any) error {
	c, ok := h.registry.Lookup(chatID)
	if !ok {
		return nil
	}
	return c.OnMessagesChanged(event, messages)
}

// Running implements Host.
func (h *hostCore) Running(chatID string) bool {
	c, ok := h.registry.Lookup(chatID)
	return ok && c.Running()
}

// Stats implements Host.
func (h *hostCore) Stats() HostStats {
	stats := HostStats{Mode: h.mode}
	for _, c := range h.registry.All() {
		stats.Sessions++
		if c.Running() {
			stats.Running++
		}
		stats.Subscribers += c.SubscriberCount()
	}
	return stats
}

// evictIdle drops idle, unsubscribed coordinators.
func (h *hostCore) evictIdle() {
	if h.idleEviction <= 0 {
		return
	}
	if n := h.registry.Evict(h.idleEviction); n > 0 {
		slog.Debug("Evicted idle sessions", "count", n, "mode", h.mode)
	}
}

// runJanitor evicts idle coordinators until ctx is done.
func (h *hostCore) runJanitor(ctx context.Context) {
	if h.idleEviction <= 0 {
		<-ctx.Done()
		return
	}
	interval := h.idleEviction / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evictIdle()
		}
	}
}

// Shutdown implements Host.
func (h *hostCore) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	coords := h.registry.Drain()
	running := 0
	for _, c := range coords {
		if c.Stop() {
			running++
		}
	}
	slog.Info("Shutting down session host", "mode", h.mode, "sessions", len(coords), "running", running)

	var firstErr error
	for _, c := range coords {
		if err := c.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		c.close()
	}
	return firstErr
}

// NewHost builds the host selected by cfg.HostingMode.
func NewHost(cfg *config.StreamingConfig, exec Executor, wakes WakeStore, podID string) Host {
	opts := stream.Options{
		QueueSize:    cfg.SubscriberBuffer,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.HostingMode == config.HostingModeScheduled {
		return NewScheduledHost(exec, wakes, ScheduledConfig{
			PodID:        podID,
			PollInterval: cfg.WakePollInterval,
			WakeDelay:    cfg.WakeDelay,
			ClaimBatch:   cfg.WakeClaimBatch,
			IdleEviction: cfg.IdleEviction,
			Stream:       opts,
		})
	}
	return NewProcessHost(exec, opts, cfg.IdleEviction)
}
