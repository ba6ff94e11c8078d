package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/codespacesh/blink-sub003/pkg/database"
	"github.com/codespacesh/blink-sub003/pkg/models"
)

var stepColumns = []string{
	"id", "run_id", "chat_id", "agent_id", "deployment_id", "number", "claimed_by",
	"started_at", "heartbeat_at", "completed_at", "interrupted_at", "error",
}

var runColumns = []string{
	"id", "chat_id", "agent_id", "deployment_id", "number", "status", "error",
	"created_at", "updated_at", "completed_at",
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// openStep matches steps with no terminal marker set.
func openStep() *entsql.Predicate {
	return entsql.And(
		entsql.IsNull("completed_at"),
		entsql.IsNull("interrupted_at"),
		entsql.IsNull("error"),
	)
}

func selectSteps(where *entsql.Predicate) *entsql.Selector {
	b := database.Builder()
	return b.Select(stepColumns...).From(b.Table("steps")).Where(where)
}

func selectRuns(where *entsql.Predicate) *entsql.Selector {
	b := database.Builder()
	return b.Select(runColumns...).From(b.Table("runs")).Where(where)
}

func scanStep(row rowScanner) (*models.Step, error) {
	var (
		s             models.Step
		claimedBy     sql.NullString
		completedAt   sql.NullTime
		interruptedAt sql.NullTime
		errMsg        sql.NullString
	)
	err := row.Scan(&s.ID, &s.RunID, &s.ChatID, &s.AgentID, &s.DeploymentID, &s.Number, &claimedBy,
		&s.StartedAt, &s.HeartbeatAt, &completedAt, &interruptedAt, &errMsg)
	if err != nil {
		return nil, err
	}
	s.ClaimedBy = nullString(claimedBy)
	s.CompletedAt = nullTime(completedAt)
	s.InterruptedAt = nullTime(interruptedAt)
	s.Error = nullString(errMsg)
	return &s, nil
}

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		r           models.Run
		status      string
		errMsg      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ChatID, &r.AgentID, &r.DeploymentID, &r.Number, &status, &errMsg,
		&r.CreatedAt, &r.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.Error = nullString(errMsg)
	r.CompletedAt = nullTime(completedAt)
	return &r, nil
}

func queryStep(ctx context.Context, q querier, sel *entsql.Selector) (*models.Step, error) {
	query, args := sel.Query()
	step, err := scanStep(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query step: %w", err)
	}
	return step, nil
}

func querySteps(ctx context.Context, q querier, sel *entsql.Selector) ([]*models.Step, error) {
	query, args := sel.Query()
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// exec runs a built statement and returns the number of affected rows.
func exec(ctx context.Context, q querier, query string, args []any) (int64, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
