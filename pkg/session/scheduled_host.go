package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/metrics"
	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// WakeStore persists the "wake this chat again" marker.
type WakeStore interface {
	Schedule(ctx context.Context, chatID string, wakeAt time.Time) error
	ClaimDue(ctx context.Context, podID string, limit int) ([]string, error)
	Release(ctx context.Context, chatID, podID string) error
	Cancel(ctx context.Context, chatID string) error
}

// ScheduledConfig configures a ScheduledHost.
type ScheduledConfig struct {
	PodID        string
	PollInterval time.Duration
	WakeDelay    time.Duration
	ClaimBatch   int
	IdleEviction time.Duration
	Stream       stream.Options
}

// ScheduledHost runs exactly one step per activation. When a step asks to
// continue, a wake marker is persisted and the loop yields; the poller later
// claims the marker and runs the next step. Only the chat ID has to survive
// between activations, so the host may be torn down after any step.
// Subscribers attached to a coordinator stay attached across activations.
type ScheduledHost struct {
	*hostCore
	wakes WakeStore
	cfg   ScheduledConfig
}

// NewScheduledHost creates a ScheduledHost.
func NewScheduledHost(exec Executor, wakes WakeStore, cfg ScheduledConfig) *ScheduledHost {
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	h := &ScheduledHost{wakes: wakes, cfg: cfg}
	h.hostCore = newHostCore(ModeScheduled, cfg.IdleEviction, func(chatID string) *Coordinator {
		return NewCoordinator(chatID, exec, cfg.Stream, h.afterStep)
	})
	return h
}

// Start implements Host. A pending wake is cancelled since the chat is
// being driven right now.
func (h *ScheduledHost) Start(ctx context.Context, chatID string, interrupt bool) error {
	if err := h.wakes.Cancel(ctx, chatID); err != nil {
		slog.Warn("Failed to cancel pending wake", "chat_id", chatID, "error", err)
	}
	_, err := h.start(chatID, interrupt)
	return err
}

// Stop implements Host. The pending wake is cancelled along with the step.
func (h *ScheduledHost) Stop(ctx context.Context, chatID string) (bool, error) {
	stopped := h.stop(chatID)
	if err := h.wakes.Cancel(ctx, chatID); err != nil {
		return stopped, err
	}
	return stopped, nil
}

// Run polls for due wakes and evicts idle coordinators until ctx is done.
func (h *ScheduledHost) Run(ctx context.Context) {
	go h.runJanitor(ctx)

	ticker := time.NewTicker(h.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Poll(ctx)
		}
	}
}

// Poll claims due wakes and starts one step for each. It returns the chat
// IDs that were woken.
func (h *ScheduledHost) Poll(ctx context.Context) []string {
	if h.isStopping() {
		return nil
	}
	chatIDs, err := h.wakes.ClaimDue(ctx, h.cfg.PodID, h.cfg.ClaimBatch)
	if err != nil {
		slog.Error("Failed to claim due wakes", "pod_id", h.cfg.PodID, "error", err)
		return nil
	}
	for _, chatID := range chatIDs {
		metrics.WakesFired.Inc()
		// A chat whose previous activation is still unwinding runs its next
		// step right after; that step's afterStep settles the claimed marker.
		if _, err := h.start(chatID, false); err != nil {
			slog.Error("Failed to start woken session", "chat_id", chatID, "error", err)
			h.release(chatID)
		}
	}
	return chatIDs
}

// Teardown simulates the host going dormant between steps: it waits for
// every in-flight step to finish and drops in-memory output. Subscribers
// stay registered and wake markers stay in the store.
func (h *ScheduledHost) Teardown(ctx context.Context) error {
	for _, c := range h.registry.All() {
		if err := c.Wait(ctx); err != nil {
			return err
		}
		c.ResetBuffer()
	}
	return nil
}

// afterStep persists the resume marker. Every activation yields after one
// step; if the marker cannot be written the loop keeps going in-process.
func (h *ScheduledHost) afterStep(chatID string, res StepResult, err error) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil || !res.Continue {
		h.releaseCtx(ctx, chatID)
		return true
	}
	wakeAt := time.Now().Add(h.cfg.WakeDelay)
	if err := h.wakes.Schedule(ctx, chatID, wakeAt); err != nil {
		slog.Error("Failed to schedule wake, continuing in process", "chat_id", chatID, "error", err)
		return false
	}
	slog.Debug("Scheduled wake", "chat_id", chatID, "wake_at", wakeAt)
	return true
}

func (h *ScheduledHost) release(chatID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	h.releaseCtx(ctx, chatID)
}

func (h *ScheduledHost) releaseCtx(ctx context.Context, chatID string) {
	if err := h.wakes.Release(ctx, chatID, h.cfg.PodID); err != nil {
		slog.Warn("Failed to release wake", "chat_id", chatID, "error", err)
	}
}
