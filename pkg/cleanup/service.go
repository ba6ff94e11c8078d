// Package cleanup runs the periodic sweeps that keep run coordination state
// healthy across pod failures.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/codespacesh/blink-sub003/pkg/config"
	"github.com/codespacesh/blink-sub003/pkg/metrics"
	"github.com/codespacesh/blink-sub003/pkg/services"
)

// Service sweeps on the configured cron schedule:
//   - Errors open steps whose heartbeat is older than the stall threshold,
//     for every chat, so dead executors are found even for chats nobody
//     reconciles again
//   - Returns wake markers claimed by a pod that never finished them
//
// All operations are idempotent and safe to run from multiple pods.
type Service struct {
	runsCfg      *config.RunsConfig
	retentionCfg *config.RetentionConfig
	runService   *services.RunService
	wakeService  *services.WakeService

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new cleanup service.
func NewService(
	runsCfg *config.RunsConfig,
	retentionCfg *config.RetentionConfig,
	runService *services.RunService,
	wakeService *services.WakeService,
) *Service {
	return &Service{
		runsCfg:      runsCfg,
		retentionCfg: retentionCfg,
		runService:   runService,
		wakeService:  wakeService,
	}
}

// Start runs one sweep immediately and schedules the rest.
func (s *Service) Start(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	schedule, err := config.ParseSchedule(s.runsCfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("failed to parse sweep schedule: %w", err)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.runAll(ctx) }))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runAll(ctx)
	}()
	s.cron.Start()

	slog.Info("Cleanup service started",
		"sweep_schedule", s.runsCfg.SweepSchedule,
		"stall_threshold", s.runsCfg.StallThreshold,
		"wake_claim_ttl", s.retentionCfg.WakeClaimTTL)
	return nil
}

// Stop cancels in-flight sweeps and waits for them to return.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	<-s.cron.Stop().Done()
	s.wg.Wait()
	slog.Info("Cleanup service stopped")
}

func (s *Service) runAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.healStalledSteps(ctx)
	s.releaseStaleWakes(ctx)
}

func (s *Service) healStalledSteps(ctx context.Context) {
	count, err := s.runService.HealAllStalledSteps(ctx, s.runsCfg.StallThreshold)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Sweep: stalled step healing failed", "error", err)
		}
		return
	}
	if count > 0 {
		metrics.StalledStepsHealed.Add(float64(count))
		slog.Warn("Sweep: healed stalled steps", "count", count, "threshold", s.runsCfg.StallThreshold)
	}
}

func (s *Service) releaseStaleWakes(ctx context.Context) {
	if s.wakeService == nil {
		return
	}
	count, err := s.wakeService.ReleaseStaleClaims(ctx, s.retentionCfg.WakeClaimTTL)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Sweep: wake claim release failed", "error", err)
		}
		return
	}
	if count > 0 {
		slog.Info("Sweep: released stale wake claims", "count", count)
	}
}
