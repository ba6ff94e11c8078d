package session

import (
	"context"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// ProcessHost keeps every coordinator in memory for the life of the
// process. Loops run continuously while steps ask to continue.
type ProcessHost struct {
	*hostCore
}

// NewProcessHost creates a ProcessHost. Coordinators idle and unsubscribed
// for idleEviction are dropped; zero disables eviction.
func NewProcessHost(exec Executor, opts stream.Options, idleEviction time.Duration) *ProcessHost {
	return &ProcessHost{
		hostCore: newHostCore(ModeProcess, idleEviction, func(chatID string) *Coordinator {
			return NewCoordinator(chatID, exec, opts, nil)
		}),
	}
}

// Start implements Host.
func (h *ProcessHost) Start(_ context.Context, chatID string, interrupt bool) error {
	_, err := h.start(chatID, interrupt)
	return err
}

// Stop implements Host.
func (h *ProcessHost) Stop(_ context.Context, chatID string) (bool, error) {
	return h.stop(chatID), nil
}

// Run implements Host.
func (h *ProcessHost) Run(ctx context.Context) {
	h.runJanitor(ctx)
}
