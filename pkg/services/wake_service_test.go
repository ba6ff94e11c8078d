package services

import (
	"context"
	"testing"
	"time"

	testdb "github.com/codespacesh/blink-sub003/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupWakeService(t *testing.T) (*WakeService, testdb.Fixture) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return NewWakeService(client.DB()), testdb.Seed(t, client, "http://agent.invalid")
}

func TestWakeService_ScheduleAndClaim(t *testing.T) {
	svc, fx := setupWakeService(t)
	ctx := context.Background()

	require.NoError(t, svc.Schedule(ctx, fx.ChatID, time.Now().Add(time.Hour)))

	assert.True(t, wakePending(t, svc, fx.ChatID))

	ids, err := svc.ClaimDue(ctx, "pod-a", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "future marker is not due")

	require.NoError(t, svc.Schedule(ctx, fx.ChatID, time.Now().Add(-time.Second)))
	ids, err = svc.ClaimDue(ctx, "pod-a", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{fx.ChatID}, ids)

	ids, err = svc.ClaimDue(ctx, "pod-b", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "claimed marker is not handed out twice")
}

func TestWakeService_ReleaseKeepsRescheduledMarker(t *testing.T) {
	svc, fx := setupWakeService(t)
	ctx := context.Background()

	require.NoError(t, svc.Schedule(ctx, fx.ChatID, time.Now().Add(-time.Second)))
	ids, err := svc.ClaimDue(ctx, "pod-a", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// The step asked to continue: reschedule clears the claim.
	require.NoError(t, svc.Schedule(ctx, fx.ChatID, time.Now().Add(-time.Second)))
	require.NoError(t, svc.Release(ctx, fx.ChatID, "pod-a"))

	assert.True(t, wakePending(t, svc, fx.ChatID), "rescheduled marker survives release of the old claim")

	ids, err = svc.ClaimDue(ctx, "pod-a", 10)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.NoError(t, svc.Release(ctx, fx.ChatID, "pod-a"))

	assert.False(t, wakePending(t, svc, fx.ChatID))
}

func TestWakeService_ReleaseStaleClaims(t *testing.T) {
	svc, fx := setupWakeService(t)
	ctx := context.Background()

	require.NoError(t, svc.Schedule(ctx, fx.ChatID, time.Now().Add(-time.Minute)))
	_, err := svc.ClaimDue(ctx, "dead-pod", 10)
	require.NoError(t, err)

	n, err := svc.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = svc.db.ExecContext(ctx, `UPDATE chat_wakes SET claimed_at = $1`, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)

	n, err = svc.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := svc.ClaimDue(ctx, "pod-b", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{fx.ChatID}, ids)
}

func TestWakeService_Cancel(t *testing.T) {
	svc, fx := setupWakeService(t)
	ctx := context.Background()

	require.NoError(t, svc.Schedule(ctx, fx.ChatID, time.Now()))
	require.NoError(t, svc.Cancel(ctx, fx.ChatID))

	assert.False(t, wakePending(t, svc, fx.ChatID))

	assert.True(t, IsValidationError(svc.Schedule(ctx, "", time.Now())))
}
