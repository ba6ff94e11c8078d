package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/api"
	"github.com/codespacesh/blink-sub003/pkg/models"
	testdb "github.com/codespacesh/blink-sub003/test/database"
)

// ────────────────────────────────────────────────────────────
// Database Helpers
// ────────────────────────────────────────────────────────────

// countWakes returns the number of wake markers stored for a chat.
func (app *TestApp) countWakes(t *testing.T, chatID string) int {
	t.Helper()
	var n int
	err := app.DBClient.DB().QueryRowContext(context.Background(),
		`SELECT count(*) FROM chat_wakes WHERE chat_id = $1`, chatID).Scan(&n)
	require.NoError(t, err)
	return n
}

// ────────────────────────────────────────────────────────────
// HTTP Client Helpers
// ────────────────────────────────────────────────────────────

// StartRun posts a run request and returns the parsed response.
func (app *TestApp) StartRun(t *testing.T, chatID, agentID string, behavior models.Behavior) *models.StartRunResponse {
	t.Helper()
	var resp models.StartRunResponse
	app.postJSON(t, "/api/v1/chats/"+chatID+"/runs",
		models.StartRunRequest{AgentID: agentID, Behavior: behavior}, http.StatusAccepted, &resp)
	return &resp
}

// Stop posts a stop request.
func (app *TestApp) Stop(t *testing.T, chatID string) *models.StopResponse {
	t.Helper()
	var resp models.StopResponse
	app.postJSON(t, "/api/v1/chats/"+chatID+"/stop", nil, http.StatusOK, &resp)
	return &resp
}

// NotifyMessages posts a message.created / message.updated notification.
func (app *TestApp) NotifyMessages(t *testing.T, chatID, event string, messages any) {
	t.Helper()
	app.postJSON(t, "/api/v1/chats/"+chatID+"/messages/notify",
		api.NotifyMessagesRequest{Event: event, Messages: messages}, http.StatusNoContent, nil)
}

// ListRuns returns the chat's run history, newest first.
func (app *TestApp) ListRuns(t *testing.T, chatID string) []*models.RunResponse {
	t.Helper()
	resp, err := http.Get(app.BaseURL + "/api/v1/chats/" + chatID + "/runs")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list api.RunListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	return list.Runs
}

// WaitForRuns polls the run history until predicate holds.
func (app *TestApp) WaitForRuns(t *testing.T, chatID string, predicate func([]*models.RunResponse) bool, timeout time.Duration) []*models.RunResponse {
	t.Helper()
	var last []*models.RunResponse
	require.Eventually(t, func() bool {
		last = app.ListRuns(t, chatID)
		return predicate(last)
	}, timeout, 50*time.Millisecond, "run history never matched")
	return last
}

// SeedChat creates an agent deployed at agentURL and a chat bound to it.
func (app *TestApp) SeedChat(t *testing.T, agentURL string) testdb.Fixture {
	t.Helper()
	return testdb.Seed(t, app.DBClient, agentURL)
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, wantStatus int, out any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	resp, err := http.Post(app.BaseURL+path, "application/json", reader)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, wantStatus, resp.StatusCode, "POST %s: %s", path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

// ────────────────────────────────────────────────────────────
// Run history predicates
// ────────────────────────────────────────────────────────────

// runFinished reports whether the run with the given number reached status.
func runFinished(number int, status models.RunStatus) func([]*models.RunResponse) bool {
	return func(list []*models.RunResponse) bool {
		for _, r := range list {
			if r.Number == number {
				return r.Status == status
			}
		}
		return false
	}
}

// stepStatuses returns the derived status of each step, in order.
func stepStatuses(r *models.RunResponse) []models.StepStatus {
	out := make([]models.StepStatus, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Status()
	}
	return out
}
