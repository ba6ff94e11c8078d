// Package agent executes chat steps against agent deployments over HTTP.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/services"
	"github.com/codespacesh/blink-sub003/pkg/session"
	"github.com/codespacesh/blink-sub003/pkg/stream"
	"github.com/codespacesh/blink-sub003/pkg/version"
)

// errStepClosed cancels a step whose row was closed by someone else, for
// example an interrupting reconcile on another pod or stall healing.
var errStepClosed = errors.New("step closed elsewhere")

// StepStore is the persistence a StepRunner needs.
// Implemented by *services.RunService.
type StepStore interface {
	GetOpenStep(ctx context.Context, chatID string) (*models.Step, error)
	ClaimStep(ctx context.Context, stepID, podID string) (bool, error)
	Heartbeat(ctx context.Context, stepID string) (bool, error)
	CompleteStep(ctx context.Context, stepID string, continueRun bool) (*models.Step, error)
	InterruptStep(ctx context.Context, stepID string) error
	FailStep(ctx context.Context, stepID, msg string) error
	GetDeployment(ctx context.Context, deploymentID string) (*models.Deployment, error)
}

// Config configures a StepRunner.
type Config struct {
	PodID             string
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration
}

// StepRequest is the body POSTed to {deployment}/step.
type StepRequest struct {
	ChatID     string `json:"chat_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id"`
	StepNumber int    `json:"step_number"`
}

// donePayload is the data of the terminal "done" event.
type donePayload struct {
	Continue bool `json:"continue"`
}

// errorPayload is the data of an "error" event.
type errorPayload struct {
	Message string `json:"message"`
}

// StepRunner is the session.Executor that drives one open step: it claims
// the step, keeps its heartbeat fresh, streams the agent's output and
// records the outcome.
type StepRunner struct {
	store      StepStore
	cfg        Config
	httpClient *http.Client
}

// NewStepRunner creates a StepRunner.
func NewStepRunner(store StepStore, cfg Config) *StepRunner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Minute
	}
	return &StepRunner{
		store:      store,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// RunStep implements session.Executor.
func (r *StepRunner) RunStep(ctx context.Context, chatID string, emit session.Emitter) (session.StepResult, error) {
	step, err := r.store.GetOpenStep(ctx, chatID)
	if errors.Is(err, services.ErrNotFound) {
		return session.StepResult{}, nil
	}
	if err != nil {
		return session.StepResult{}, fmt.Errorf("failed to load open step: %w", err)
	}

	logger := slog.With("chat_id", chatID, "run_id", step.RunID, "step_id", step.ID, "step_number", step.Number)

	claimed, err := r.store.ClaimStep(ctx, step.ID, r.cfg.PodID)
	if err != nil {
		return session.StepResult{}, err
	}
	if !claimed {
		logger.Info("Step is claimed by another pod, skipping")
		return session.StepResult{}, nil
	}

	deployment, err := r.store.GetDeployment(ctx, step.DeploymentID)
	if err != nil {
		return r.fail(logger, step, fmt.Errorf("failed to load deployment %s: %w", step.DeploymentID, err))
	}

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go r.heartbeat(stepCtx, logger, step.ID, cancel)

	logger.Debug("Executing step", "target_url", deployment.TargetURL)
	done, err := r.invoke(stepCtx, deployment.TargetURL, step, emit)

	switch {
	case ctx.Err() != nil:
		// Cancelled by interrupt or stop.
		bg, cancelBg := detached(ctx)
		defer cancelBg()
		if err := r.store.InterruptStep(bg, step.ID); err != nil {
			logger.Warn("Failed to mark step interrupted", "error", err)
		}
		return session.StepResult{}, session.ErrCancelled

	case errors.Is(context.Cause(stepCtx), errStepClosed):
		logger.Info("Step was closed elsewhere, abandoning")
		return session.StepResult{}, nil

	case err != nil:
		return r.fail(logger, step, err)
	}

	bg, cancelBg := detached(ctx)
	defer cancelBg()
	next, err := r.store.CompleteStep(bg, step.ID, done.Continue)
	if errors.Is(err, services.ErrStepNotOpen) {
		logger.Info("Step closed before completion was recorded")
		return session.StepResult{}, nil
	}
	if err != nil {
		return session.StepResult{}, fmt.Errorf("failed to complete step: %w", err)
	}
	if next != nil {
		logger.Debug("Step completed, next step created", "next_step_id", next.ID)
	}
	return session.StepResult{Continue: done.Continue}, nil
}

// invoke POSTs the step to the agent and relays its event stream.
func (r *StepRunner) invoke(ctx context.Context, targetURL string, step *models.Step, emit session.Emitter) (*donePayload, error) {
	body, err := json.Marshal(StepRequest{
		ChatID:     step.ChatID,
		RunID:      step.RunID,
		StepID:     step.ID,
		StepNumber: step.Number,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step request: %w", err)
	}

	url := strings.TrimSuffix(targetURL, "/") + "/step"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Chat-ID", step.ChatID)
	req.Header.Set("X-Step-ID", step.ID)
	req.Header.Set("User-Agent", version.Full())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to invoke agent: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var done *donePayload
	err = readSSE(resp.Body, func(ev sseEvent) error {
		if done != nil {
			return nil
		}
		switch ev.Event {
		case agentEventChunk:
			var chunk stream.ChunkPayload
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				return fmt.Errorf("invalid chunk event: %w", err)
			}
			emit(stream.Chunk(chunk.MessageID, chunk.Text))
		case stream.EventMessageCreated, stream.EventMessageUpdated:
			if !json.Valid([]byte(ev.Data)) {
				return fmt.Errorf("invalid %s event payload", ev.Event)
			}
			emit(stream.Event{Name: ev.Event, Data: json.RawMessage(ev.Data)})
		case agentEventDone:
			done = &donePayload{}
			if ev.Data != "" {
				if err := json.Unmarshal([]byte(ev.Data), done); err != nil {
					return fmt.Errorf("invalid done event: %w", err)
				}
			}
		case agentEventError:
			var p errorPayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil || p.Message == "" {
				p.Message = ev.Data
			}
			return fmt.Errorf("agent error: %s", p.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if done == nil {
		return nil, errors.New("agent stream ended without a done event")
	}
	return done, nil
}

// heartbeat keeps the step's heartbeat fresh until ctx ends. A heartbeat
// that finds the step closed cancels the step.
func (r *StepRunner) heartbeat(ctx context.Context, logger *slog.Logger, stepID string, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, err := r.store.Heartbeat(ctx, stepID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Failed to update step heartbeat", "error", err)
				}
				continue
			}
			if !open {
				cancel(errStepClosed)
				return
			}
		}
	}
}

func (r *StepRunner) fail(logger *slog.Logger, step *models.Step, cause error) (session.StepResult, error) {
	logger.Error("Step failed", "error", cause)
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.FailStep(bg, step.ID, cause.Error()); err != nil {
		logger.Error("Failed to record step failure", "error", err)
	}
	return session.StepResult{}, cause
}

// detached returns a context for bookkeeping writes that must outlive a
// cancelled step.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
