package cleanup

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codespacesh/blink-sub003/pkg/services"
)

// CleanupStartupOrphans errors the steps this pod had claimed when it last
// went down, so their chats can start new runs right away instead of
// waiting for the stall threshold. Called once during startup, before any
// session host accepts work.
func CleanupStartupOrphans(ctx context.Context, runService *services.RunService, podID, reason string) error {
	count, err := runService.CleanupPodSteps(ctx, podID, reason)
	if err != nil {
		return fmt.Errorf("failed to clean up startup orphans: %w", err)
	}
	if count > 0 {
		slog.Warn("Found startup orphans from previous run",
			"pod_id", podID,
			"count", count)
	}
	return nil
}
