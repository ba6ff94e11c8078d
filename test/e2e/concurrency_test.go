package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/models"
)

func TestE2E_ConcurrentRunRequestsCreateOneRun(t *testing.T) {
	app := NewTestApp(t)
	agent := NewScriptedAgent(t, AgentStep{Chunks: []string{"only"}, Block: true})
	fx := app.SeedChat(t, agent.URL())

	body, err := json.Marshal(models.StartRunRequest{AgentID: fx.AgentID, Behavior: models.BehaviorEnqueue})
	require.NoError(t, err)

	const requests = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(app.BaseURL+"/api/v1/chats/"+fx.ChatID+"/runs", "application/json", bytes.NewReader(body))
			if !assert.NoError(t, err) {
				return
			}
			defer func() { _ = resp.Body.Close() }()
			if !assert.Equal(t, http.StatusAccepted, resp.StatusCode) {
				return
			}
			var out models.StartRunResponse
			if assert.NoError(t, json.NewDecoder(resp.Body).Decode(&out)) && out.Created {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created, "one open step per chat")
	<-agent.Started()
	agent.Release()

	list := app.WaitForRuns(t, fx.ChatID, runFinished(1, models.RunStatusCompleted), 10*time.Second)
	assert.Len(t, list, 1)
	assert.Len(t, agent.Requests(), 1, "steps never overlap")
}
