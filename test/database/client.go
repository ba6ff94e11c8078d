// Package database provides test database clients and fixtures.
package database

import (
	"context"
	"testing"

	"github.com/codespacesh/blink-sub003/pkg/database"
	"github.com/codespacesh/blink-sub003/test/util"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// NewTestClient creates a migrated database client on an isolated schema.
// Schema drop and connection close are registered with t.Cleanup.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()
	return database.NewClientFromDB(util.SetupTestDatabase(t))
}

// Fixture is a chat bound to an agent with an active deployment.
type Fixture struct {
	AgentID      string
	DeploymentID string
	ChatID       string
}

// SeedAgent inserts an agent whose active deployment points at targetURL.
func SeedAgent(t *testing.T, client *database.Client, targetURL string) (agentID, deploymentID string) {
	t.Helper()
	ctx := context.Background()
	agentID = uuid.NewString()
	deploymentID = uuid.NewString()

	_, err := client.DB().ExecContext(ctx, `INSERT INTO agents (id, name) VALUES ($1, $2)`, agentID, "agent-"+agentID[:8])
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx,
		`INSERT INTO agent_deployments (id, agent_id, target_url) VALUES ($1, $2, $3)`, deploymentID, agentID, targetURL)
	require.NoError(t, err)
	_, err = client.DB().ExecContext(ctx, `UPDATE agents SET active_deployment_id = $1 WHERE id = $2`, deploymentID, agentID)
	require.NoError(t, err)
	return agentID, deploymentID
}

// SeedChat inserts a chat owned by agentID.
func SeedChat(t *testing.T, client *database.Client, agentID string) string {
	t.Helper()
	chatID := uuid.NewString()
	_, err := client.DB().ExecContext(context.Background(),
		`INSERT INTO chats (id, agent_id) VALUES ($1, $2)`, chatID, agentID)
	require.NoError(t, err)
	return chatID
}

// Seed creates an agent, its deployment and one chat.
func Seed(t *testing.T, client *database.Client, targetURL string) Fixture {
	t.Helper()
	agentID, deploymentID := SeedAgent(t, client, targetURL)
	return Fixture{
		AgentID:      agentID,
		DeploymentID: deploymentID,
		ChatID:       SeedChat(t, client, agentID),
	}
}
