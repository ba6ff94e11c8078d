package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/codespacesh/blink-sub003/pkg/database"
)

// WakeService stores durable "run one more step" markers for hosts that may
// be torn down between steps. A chat has at most one marker.
type WakeService struct {
	db  *sql.DB
	now func() time.Time
}

// NewWakeService creates a new WakeService.
func NewWakeService(db *sql.DB) *WakeService {
	return &WakeService{db: db, now: time.Now}
}

// Schedule upserts the chat's marker to fire at wakeAt. Rescheduling an
// already-claimed marker releases the claim.
func (s *WakeService) Schedule(ctx context.Context, chatID string, wakeAt time.Time) error {
	if chatID == "" {
		return NewValidationError("chat_id", "required")
	}
	query, args := database.Builder().Insert("chat_wakes").
		Columns("chat_id", "wake_at", "created_at").
		Values(chatID, wakeAt, s.now()).
		OnConflict(
			entsql.ConflictColumns("chat_id"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("wake_at")
				u.SetNull("claimed_by")
				u.SetNull("claimed_at")
			}),
		).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit markers whose wake time has passed and returns
// their chat IDs. Markers claimed by another pod are skipped.
func (s *WakeService) ClaimDue(ctx context.Context, podID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b := database.Builder()
	query, args := b.Select("chat_id").From(b.Table("chat_wakes")).
		Where(entsql.And(entsql.IsNull("claimed_by"), entsql.LTE("wake_at", now))).
		OrderBy(entsql.Asc("wake_at")).
		Limit(limit).
		ForUpdate(entsql.WithLockAction(entsql.SkipLocked)).
		Query()
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query due wakes: %w", err)
	}
	var chatIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan wake: %w", err)
		}
		chatIDs = append(chatIDs, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate wakes: %w", err)
	}
	if len(chatIDs) == 0 {
		return nil, nil
	}

	ids := make([]any, len(chatIDs))
	for i, id := range chatIDs {
		ids[i] = id
	}
	query, args = b.Update("chat_wakes").
		Set("claimed_by", podID).
		Set("claimed_at", now).
		Where(entsql.In("chat_id", ids...)).
		Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to claim wakes: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit wake claim: %w", err)
	}
	return chatIDs, nil
}

// Release deletes the marker if podID still holds its claim. A marker that
// was rescheduled in the meantime is left alone.
func (s *WakeService) Release(ctx context.Context, chatID, podID string) error {
	query, args := database.Builder().Delete("chat_wakes").
		Where(entsql.And(entsql.EQ("chat_id", chatID), entsql.EQ("claimed_by", podID))).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release wake: %w", err)
	}
	return nil
}

// Cancel removes the chat's marker regardless of claim.
func (s *WakeService) Cancel(ctx context.Context, chatID string) error {
	query, args := database.Builder().Delete("chat_wakes").Where(entsql.EQ("chat_id", chatID)).Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to cancel wake: %w", err)
	}
	return nil
}

// ReleaseStaleClaims unclaims markers held longer than ttl so that a pod
// that died mid-wake does not strand the chat. Returns the number released.
func (s *WakeService) ReleaseStaleClaims(ctx context.Context, ttl time.Duration) (int, error) {
	query, args := database.Builder().Update("chat_wakes").
		SetNull("claimed_by").
		SetNull("claimed_at").
		Where(entsql.And(entsql.NotNull("claimed_by"), entsql.LT("claimed_at", s.now().Add(-ttl)))).
		Query()
	n, err := exec(ctx, s.db, query, args)
	if err != nil {
		return 0, fmt.Errorf("failed to release stale wake claims: %w", err)
	}
	return int(n), nil
}
