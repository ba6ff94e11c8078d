// Package runs decides when a chat gets a new Run and Step.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/metrics"
	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/services"
)

// DefaultStallThreshold is used when a Reconciler is built with a zero threshold.
const DefaultStallThreshold = 2 * time.Minute

// Persistence is the storage the reconciler drives.
// Implemented by *services.RunService.
type Persistence interface {
	MarkOpenStepInterrupted(ctx context.Context, chatID string) (bool, error)
	HealStalledSteps(ctx context.Context, chatID string, threshold time.Duration) (int, error)
	CreateRunAndStep(ctx context.Context, req services.CreateRunRequest) (*models.Run, *models.Step, error)
}

// Request asks for the chat to be driven forward.
type Request struct {
	ChatID       string
	AgentID      string
	Behavior     models.Behavior
	DeploymentID *string
}

// Result describes what a reconcile call changed.
type Result struct {
	// Interrupted is true when an open step was marked interrupted.
	Interrupted bool
	// Healed is the number of stalled steps that were errored.
	Healed int
	// Created is false when another step was already open for the chat.
	Created bool
	Run     *models.Run
	Step    *models.Step
}

// Reconciler applies the interrupt / enqueue rules.
type Reconciler struct {
	store     Persistence
	threshold time.Duration
}

// NewReconciler creates a Reconciler. Open steps whose heartbeat is older
// than stallThreshold are healed on every call.
func NewReconciler(store Persistence, stallThreshold time.Duration) *Reconciler {
	if stallThreshold <= 0 {
		stallThreshold = DefaultStallThreshold
	}
	return &Reconciler{store: store, threshold: stallThreshold}
}

// Reconcile runs the three-phase decision for one chat:
//  1. interrupt only: mark the open step interrupted,
//  2. heal stalled steps,
//  3. create a Run with its first Step.
//
// Losing the race in phase 3 to another open step is not an error; the
// caller gets Result.Created == false.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Result, error) {
	if req.ChatID == "" {
		return nil, services.NewValidationError("chat_id", "required")
	}
	if req.AgentID == "" {
		return nil, services.NewValidationError("agent_id", "required")
	}
	if !req.Behavior.IsValid() {
		return nil, services.NewValidationError("behavior", fmt.Sprintf("must be %q or %q, got %q",
			models.BehaviorInterrupt, models.BehaviorEnqueue, req.Behavior))
	}

	logger := slog.With("chat_id", req.ChatID, "behavior", req.Behavior)
	res := &Result{}

	if req.Behavior == models.BehaviorInterrupt {
		interrupted, err := r.store.MarkOpenStepInterrupted(ctx, req.ChatID)
		if err != nil {
			metrics.RecordReconcile(string(req.Behavior), metrics.OutcomeError)
			return nil, err
		}
		res.Interrupted = interrupted
	}

	healed, err := r.store.HealStalledSteps(ctx, req.ChatID, r.threshold)
	if err != nil {
		metrics.RecordReconcile(string(req.Behavior), metrics.OutcomeError)
		return nil, err
	}
	res.Healed = healed
	if healed > 0 {
		metrics.StalledStepsHealed.Add(float64(healed))
	}

	run, step, err := r.store.CreateRunAndStep(ctx, services.CreateRunRequest{
		ChatID:       req.ChatID,
		AgentID:      req.AgentID,
		DeploymentID: req.DeploymentID,
	})
	switch {
	case errors.Is(err, services.ErrStepConflict):
		logger.Debug("Chat already has an open step, not creating a run")
		metrics.RecordReconcile(string(req.Behavior), metrics.OutcomeConflict)
		return res, nil
	case err != nil:
		metrics.RecordReconcile(string(req.Behavior), metrics.OutcomeError)
		return nil, err
	}

	res.Created = true
	res.Run = run
	res.Step = step
	logger.Info("Created run", "run_id", run.ID, "run_number", run.Number, "step_id", step.ID,
		"interrupted", res.Interrupted, "healed", res.Healed)
	metrics.RecordReconcile(string(req.Behavior), metrics.OutcomeCreated)
	return res, nil
}
