package services

import (
	"context"
	"testing"
	"time"

	"github.com/codespacesh/blink-sub003/pkg/database"
	testdb "github.com/codespacesh/blink-sub003/test/database"
	"github.com/stretchr/testify/require"
)

// setupRunService returns a RunService on a fresh schema plus a seeded chat.
func setupRunService(t *testing.T) (*RunService, testdb.Fixture) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return NewRunService(client.DB()), testdb.Seed(t, client, "http://agent.invalid")
}

// backdateHeartbeat moves a step's heartbeat into the past.
func backdateHeartbeat(t *testing.T, svc *RunService, stepID string, age time.Duration) {
	t.Helper()
	_, err := svc.db.ExecContext(context.Background(),
		`UPDATE steps SET heartbeat_at = $1 WHERE id = $2`, time.Now().Add(-age), stepID)
	require.NoError(t, err)
}

// countOpenSteps counts open steps for a chat directly in the table.
func countOpenSteps(t *testing.T, svc *RunService, chatID string) int {
	t.Helper()
	var n int
	err := svc.db.QueryRowContext(context.Background(),
		`SELECT count(*) FROM steps WHERE chat_id = $1
		 AND completed_at IS NULL AND interrupted_at IS NULL AND error IS NULL`, chatID).Scan(&n)
	require.NoError(t, err)
	return n
}

// wakePending reports whether the chat has a wake marker.
func wakePending(t *testing.T, svc *WakeService, chatID string) bool {
	t.Helper()
	var n int
	err := svc.db.QueryRowContext(context.Background(),
		`SELECT count(*) FROM chat_wakes WHERE chat_id = $1`, chatID).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

// testdbClient exposes the service's pool to the fixture helpers.
func testdbClient(svc *RunService) *database.Client {
	return database.NewClientFromDB(svc.db)
}
