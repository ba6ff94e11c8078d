package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/codespacesh/blink-sub003/pkg/database"
	"github.com/codespacesh/blink-sub003/pkg/models"
)

// CreateRunRequest contains fields for creating a run with its first step.
type CreateRunRequest struct {
	ChatID       string
	AgentID      string
	DeploymentID *string // resolved from the agent's active deployment when nil
}

// RunService persists Runs and Steps. Every state transition is a
// conditional update on the step still being open, so transitions are
// idempotent and safe to race across processes.
type RunService struct {
	db  *sql.DB
	now func() time.Time
}

// NewRunService creates a new RunService.
func NewRunService(db *sql.DB) *RunService {
	return &RunService{db: db, now: time.Now}
}

// MarkOpenStepInterrupted sets interrupted_at on the chat's open step and
// marks its run interrupted. Returns false when no step was open.
func (s *RunService) MarkOpenStepInterrupted(ctx context.Context, chatID string) (bool, error) {
	if chatID == "" {
		return false, NewValidationError("chat_id", "required")
	}
	var interrupted bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		step, err := queryStep(ctx, tx, selectSteps(entsql.And(entsql.EQ("chat_id", chatID), openStep())).ForUpdate())
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		interrupted, err = s.closeStep(ctx, tx, step, "interrupted_at", s.now(), models.RunStatusInterrupted, nil)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to interrupt open step: %w", err)
	}
	return interrupted, nil
}

// HealStalledSteps marks open steps of chatID whose heartbeat is older than
// threshold as errored. Returns the number of healed steps.
func (s *RunService) HealStalledSteps(ctx context.Context, chatID string, threshold time.Duration) (int, error) {
	if chatID == "" {
		return 0, NewValidationError("chat_id", "required")
	}
	return s.healStalled(ctx, entsql.EQ("chat_id", chatID), threshold)
}

// HealAllStalledSteps is HealStalledSteps across every chat.
func (s *RunService) HealAllStalledSteps(ctx context.Context, threshold time.Duration) (int, error) {
	return s.healStalled(ctx, nil, threshold)
}

func (s *RunService) healStalled(ctx context.Context, scope *entsql.Predicate, threshold time.Duration) (int, error) {
	now := s.now()
	preds := []*entsql.Predicate{openStep(), entsql.LT("heartbeat_at", now.Add(-threshold))}
	if scope != nil {
		preds = append(preds, scope)
	}

	healed := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		sel := selectSteps(entsql.And(preds...)).ForUpdate(entsql.WithLockAction(entsql.SkipLocked))
		stalled, err := querySteps(ctx, tx, sel)
		if err != nil {
			return err
		}
		msg := models.StalledStepError
		for _, step := range stalled {
			ok, err := s.closeStep(ctx, tx, step, "error", msg, models.RunStatusFailed, &msg)
			if err != nil {
				return err
			}
			if ok {
				healed++
				slog.Warn("Healed stalled step",
					"chat_id", step.ChatID, "step_id", step.ID, "heartbeat_at", step.HeartbeatAt)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to heal stalled steps: %w", err)
	}
	return healed, nil
}

// CreateRunAndStep atomically creates the next Run for a chat and its first
// Step. ErrStepConflict means another step is already open for the chat and
// nothing was written.
func (s *RunService) CreateRunAndStep(ctx context.Context, req CreateRunRequest) (*models.Run, *models.Step, error) {
	if req.ChatID == "" {
		return nil, nil, NewValidationError("chat_id", "required")
	}
	if req.AgentID == "" {
		return nil, nil, NewValidationError("agent_id", "required")
	}

	var (
		run  *models.Run
		step *models.Step
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		b := database.Builder()

		// Serializes run numbering per chat. The open-step index stays the
		// authority for the single-writer guarantee.
		query, args := b.Select("id").From(b.Table("chats")).Where(entsql.EQ("id", req.ChatID)).ForUpdate().Query()
		var id string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("chat %s: %w", req.ChatID, ErrNotFound)
			}
			return fmt.Errorf("failed to lock chat: %w", err)
		}

		deploymentID, err := s.resolveDeployment(ctx, tx, req)
		if err != nil {
			return err
		}

		query, args = b.Select(entsql.Max("number")).From(b.Table("runs")).Where(entsql.EQ("chat_id", req.ChatID)).Query()
		var maxNumber sql.NullInt64
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&maxNumber); err != nil {
			return fmt.Errorf("failed to get max run number: %w", err)
		}

		now := s.now()
		run = &models.Run{
			ID:           uuid.NewString(),
			ChatID:       req.ChatID,
			AgentID:      req.AgentID,
			DeploymentID: deploymentID,
			Number:       int(maxNumber.Int64) + 1,
			Status:       models.RunStatusActive,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		query, args = b.Insert("runs").
			Columns("id", "chat_id", "agent_id", "deployment_id", "number", "status", "created_at", "updated_at").
			Values(run.ID, run.ChatID, run.AgentID, run.DeploymentID, run.Number, string(run.Status), now, now).
			Query()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		step, err = insertStep(ctx, tx, run, 1, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStepConflict) || errors.Is(err, ErrNotFound) ||
			errors.Is(err, ErrNoActiveDeployment) || IsValidationError(err) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, step, nil
}

func (s *RunService) resolveDeployment(ctx context.Context, tx *sql.Tx, req CreateRunRequest) (string, error) {
	if req.DeploymentID != nil && *req.DeploymentID != "" {
		return *req.DeploymentID, nil
	}
	b := database.Builder()
	query, args := b.Select("active_deployment_id").From(b.Table("agents")).Where(entsql.EQ("id", req.AgentID)).Query()
	var active sql.NullString
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("agent %s: %w", req.AgentID, ErrNotFound)
		}
		return "", fmt.Errorf("failed to resolve deployment: %w", err)
	}
	if !active.Valid || active.String == "" {
		return "", fmt.Errorf("agent %s: %w", req.AgentID, ErrNoActiveDeployment)
	}
	return active.String, nil
}

func insertStep(ctx context.Context, tx *sql.Tx, run *models.Run, number int, now time.Time) (*models.Step, error) {
	step := &models.Step{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		ChatID:       run.ChatID,
		AgentID:      run.AgentID,
		DeploymentID: run.DeploymentID,
		Number:       number,
		StartedAt:    now,
		HeartbeatAt:  now,
	}
	query, args := database.Builder().Insert("steps").
		Columns("id", "run_id", "chat_id", "agent_id", "deployment_id", "number", "started_at", "heartbeat_at").
		Values(step.ID, step.RunID, step.ChatID, step.AgentID, step.DeploymentID, step.Number, now, now).
		Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if constraint, ok := uniqueViolation(err); ok && constraint == constraintOneOpenStep {
			return nil, ErrStepConflict
		}
		return nil, fmt.Errorf("failed to insert step: %w", err)
	}
	return step, nil
}

// GetOpenStep returns the chat's open step or ErrNotFound.
func (s *RunService) GetOpenStep(ctx context.Context, chatID string) (*models.Step, error) {
	return queryStep(ctx, s.db, selectSteps(entsql.And(entsql.EQ("chat_id", chatID), openStep())))
}

// GetStep returns a step by ID.
func (s *RunService) GetStep(ctx context.Context, stepID string) (*models.Step, error) {
	return queryStep(ctx, s.db, selectSteps(entsql.EQ("id", stepID)))
}

// ClaimStep records podID as the executor of an open step. A step already
// claimed by another pod is not taken over; stalled claims are released by
// stall healing instead. Returns false when the claim was not granted.
func (s *RunService) ClaimStep(ctx context.Context, stepID, podID string) (bool, error) {
	query, args := database.Builder().Update("steps").
		Set("claimed_by", podID).
		Set("heartbeat_at", s.now()).
		Where(entsql.And(
			entsql.EQ("id", stepID),
			openStep(),
			entsql.Or(entsql.IsNull("claimed_by"), entsql.EQ("claimed_by", podID)),
		)).
		Query()
	n, err := exec(ctx, s.db, query, args)
	if err != nil {
		return false, fmt.Errorf("failed to claim step: %w", err)
	}
	return n == 1, nil
}

// Heartbeat refreshes heartbeat_at on an open step. Returns false when the
// step is no longer open, meaning its executor should stop.
func (s *RunService) Heartbeat(ctx context.Context, stepID string) (bool, error) {
	query, args := database.Builder().Update("steps").
		Set("heartbeat_at", s.now()).
		Where(entsql.And(entsql.EQ("id", stepID), openStep())).
		Query()
	n, err := exec(ctx, s.db, query, args)
	if err != nil {
		return false, fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return n == 1, nil
}

// CompleteStep closes an open step. When continueRun is set the next step of
// the same run is created in the same transaction and returned; otherwise the
// run is completed and the returned step is nil.
func (s *RunService) CompleteStep(ctx context.Context, stepID string, continueRun bool) (*models.Step, error) {
	var next *models.Step
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		step, err := queryStep(ctx, tx, selectSteps(entsql.EQ("id", stepID)).ForUpdate())
		if err != nil {
			return err
		}
		now := s.now()
		runStatus := models.RunStatusCompleted
		if continueRun {
			// Leave the run active for the next step.
			runStatus = models.RunStatusActive
		}
		ok, err := s.closeStep(ctx, tx, step, "completed_at", now, runStatus, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrStepNotOpen
		}
		if !continueRun {
			return nil
		}
		run := &models.Run{ID: step.RunID, ChatID: step.ChatID, AgentID: step.AgentID, DeploymentID: step.DeploymentID}
		next, err = insertStep(ctx, tx, run, step.Number+1, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrStepNotOpen) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStepConflict) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to complete step: %w", err)
	}
	return next, nil
}

// InterruptStep marks a single open step interrupted. Interrupting a closed
// step is a no-op.
func (s *RunService) InterruptStep(ctx context.Context, stepID string) error {
	return s.closeStepByID(ctx, stepID, "interrupted_at", s.now(), models.RunStatusInterrupted, nil)
}

// FailStep records msg as the error of an open step and fails its run.
func (s *RunService) FailStep(ctx context.Context, stepID, msg string) error {
	return s.closeStepByID(ctx, stepID, "error", msg, models.RunStatusFailed, &msg)
}

// CleanupPodSteps errors every open step claimed by podID. Called once at
// startup: a restarted pod cannot resume the steps it held before.
func (s *RunService) CleanupPodSteps(ctx context.Context, podID, reason string) (int, error) {
	cleaned := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		steps, err := querySteps(ctx, tx, selectSteps(entsql.And(entsql.EQ("claimed_by", podID), openStep())).ForUpdate())
		if err != nil {
			return err
		}
		for _, step := range steps {
			ok, err := s.closeStep(ctx, tx, step, "error", reason, models.RunStatusFailed, &reason)
			if err != nil {
				return err
			}
			if ok {
				cleaned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up pod steps: %w", err)
	}
	return cleaned, nil
}

// ListRuns returns the chat's runs, newest first, each with its steps.
func (s *RunService) ListRuns(ctx context.Context, chatID string, limit int) ([]*models.RunResponse, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query, args := selectRuns(entsql.EQ("chat_id", chatID)).OrderBy(entsql.Desc("number")).Limit(limit).Query()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var (
		result []*models.RunResponse
		runIDs []any
		byID   = make(map[string]*models.RunResponse)
	)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		resp := &models.RunResponse{Run: run, Steps: []*models.Step{}}
		result = append(result, resp)
		byID[run.ID] = resp
		runIDs = append(runIDs, run.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	if len(runIDs) == 0 {
		return []*models.RunResponse{}, nil
	}

	steps, err := querySteps(ctx, s.db, selectSteps(entsql.In("run_id", runIDs...)).OrderBy(entsql.Asc("number")))
	if err != nil {
		return nil, err
	}
	for _, step := range steps {
		if resp, ok := byID[step.RunID]; ok {
			resp.Steps = append(resp.Steps, step)
		}
	}
	return result, nil
}

// GetDeployment returns a deployment by ID.
func (s *RunService) GetDeployment(ctx context.Context, deploymentID string) (*models.Deployment, error) {
	b := database.Builder()
	query, args := b.Select("id", "agent_id", "target_url", "created_at").
		From(b.Table("agent_deployments")).
		Where(entsql.EQ("id", deploymentID)).
		Query()
	var d models.Deployment
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&d.ID, &d.AgentID, &d.TargetURL, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return &d, nil
}

func (s *RunService) closeStepByID(ctx context.Context, stepID, column string, value any, runStatus models.RunStatus, runErr *string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		step, err := queryStep(ctx, tx, selectSteps(entsql.EQ("id", stepID)).ForUpdate())
		if err != nil {
			return err
		}
		_, err = s.closeStep(ctx, tx, step, column, value, runStatus, runErr)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to update step %s: %w", column, err)
	}
	return err
}

// closeStep sets one terminal marker on step if it is still open and moves an
// active run to runStatus. Returns false when the step was already closed.
func (s *RunService) closeStep(ctx context.Context, tx *sql.Tx, step *models.Step, column string, value any, runStatus models.RunStatus, runErr *string) (bool, error) {
	b := database.Builder()
	query, args := b.Update("steps").
		Set(column, value).
		Where(entsql.And(entsql.EQ("id", step.ID), openStep())).
		Query()
	n, err := exec(ctx, tx, query, args)
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if runStatus == models.RunStatusActive {
		return true, nil
	}

	now := s.now()
	upd := b.Update("runs").
		Set("status", string(runStatus)).
		Set("updated_at", now).
		Set("completed_at", now)
	if runErr != nil {
		upd = upd.Set("error", *runErr)
	}
	query, args = upd.Where(entsql.And(
		entsql.EQ("id", step.RunID),
		entsql.EQ("status", string(models.RunStatusActive)),
	)).Query()
	if _, err := exec(ctx, tx, query, args); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RunService) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
