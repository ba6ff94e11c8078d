package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/stream"
	"github.com/codespacesh/blink-sub003/test/e2e/testdata/configs"
)

func TestE2E_RunToCompletion(t *testing.T) {
	app := NewTestApp(t)
	agent := NewScriptedAgent(t,
		AgentStep{Chunks: []string{"Hel", "lo"}, Continue: true},
		AgentStep{Chunks: []string{" world"}},
	)
	fx := app.SeedChat(t, agent.URL())

	ctx := context.Background()
	sse, err := ConnectSSE(ctx, app.BaseURL, fx.ChatID)
	require.NoError(t, err)
	defer sse.Close()
	ws, err := ConnectWS(ctx, app.BaseURL, fx.ChatID)
	require.NoError(t, err)
	defer ws.Close()

	resp := app.StartRun(t, fx.ChatID, fx.AgentID, models.BehaviorEnqueue)
	assert.True(t, resp.Created)
	assert.Equal(t, 1, resp.RunNumber)
	assert.NotEmpty(t, resp.StepID)

	list := app.WaitForRuns(t, fx.ChatID, runFinished(1, models.RunStatusCompleted), 10*time.Second)
	require.Len(t, list, 1)
	assert.Equal(t, []models.StepStatus{models.StepStatusCompleted, models.StepStatusCompleted}, stepStatuses(list[0]))
	assert.Equal(t, fx.DeploymentID, list[0].DeploymentID)

	// Three chunks and one message.created per step.
	for _, c := range []*StreamClient{sse, ws} {
		require.NoError(t, c.WaitFor(func(evts []StreamEvent) bool { return len(evts) >= 5 }, 5*time.Second))
		assert.Equal(t, []string{"Hel", "lo", " world"}, c.ChunkTexts())
		assert.Len(t, c.EventsByName(stream.EventMessageCreated), 2)
	}

	sseFrames, wsFrames := frames(sse.Events()), frames(ws.Events())
	assert.Equal(t, sseFrames, wsFrames, "both transports carry identical bytes")

	reqs := agent.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, 1, reqs[0].StepNumber)
	assert.Equal(t, 2, reqs[1].StepNumber)
	assert.Equal(t, reqs[0].RunID, reqs[1].RunID)
	assert.False(t, app.Host.Running(fx.ChatID))
}

func TestE2E_LateSubscriberGetsReplay(t *testing.T) {
	app := NewTestApp(t)
	agent := NewScriptedAgent(t, AgentStep{Chunks: []string{"partial "}, Block: true})
	fx := app.SeedChat(t, agent.URL())
	ctx := context.Background()

	early, err := ConnectSSE(ctx, app.BaseURL, fx.ChatID)
	require.NoError(t, err)
	defer early.Close()

	app.StartRun(t, fx.ChatID, fx.AgentID, models.BehaviorEnqueue)
	require.NoError(t, early.WaitForChunks(1, 5*time.Second))

	late, err := ConnectWS(ctx, app.BaseURL, fx.ChatID)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.WaitForChunks(1, 5*time.Second))
	assert.Equal(t, []string{"partial "}, late.ChunkTexts())

	agent.Release()
	app.WaitForRuns(t, fx.ChatID, runFinished(1, models.RunStatusCompleted), 10*time.Second)
	require.NoError(t, late.WaitFor(func(evts []StreamEvent) bool { return len(evts) >= 2 }, 5*time.Second))
	assert.Equal(t, frames(early.Events()), frames(late.Events()))
}

func TestE2E_MessageNotification(t *testing.T) {
	app := NewTestApp(t)
	fx := app.SeedChat(t, NewScriptedAgent(t).URL())

	sse, err := ConnectSSE(context.Background(), app.BaseURL, fx.ChatID)
	require.NoError(t, err)
	defer sse.Close()

	app.NotifyMessages(t, fx.ChatID, stream.EventMessageUpdated, []map[string]string{{"id": "m1", "content": "edited"}})
	require.NoError(t, sse.WaitFor(func(evts []StreamEvent) bool { return len(evts) == 1 }, 5*time.Second))
	evt := sse.Events()[0]
	assert.Equal(t, stream.EventMessageUpdated, evt.Name)
	assert.JSONEq(t, `[{"id":"m1","content":"edited"}]`, string(evt.Data))
}

func TestE2E_AgentErrorFailsRun(t *testing.T) {
	app := NewTestApp(t)
	agent := NewScriptedAgent(t,
		AgentStep{Chunks: []string{"thinking"}, Error: "model overloaded"},
		AgentStep{Chunks: []string{"recovered"}},
	)
	fx := app.SeedChat(t, agent.URL())

	app.StartRun(t, fx.ChatID, fx.AgentID, models.BehaviorEnqueue)
	list := app.WaitForRuns(t, fx.ChatID, runFinished(1, models.RunStatusFailed), 10*time.Second)
	require.NotNil(t, list[0].Error)
	assert.Contains(t, *list[0].Error, "model overloaded")
	assert.Equal(t, []models.StepStatus{models.StepStatusErrored}, stepStatuses(list[0]))

	// No automatic retry: the agent saw exactly one request.
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, agent.Requests(), 1)

	resp := app.StartRun(t, fx.ChatID, fx.AgentID, models.BehaviorEnqueue)
	assert.Equal(t, 2, resp.RunNumber)
	app.WaitForRuns(t, fx.ChatID, runFinished(2, models.RunStatusCompleted), 10*time.Second)
}

func TestE2E_ScheduledHosting(t *testing.T) {
	app := NewTestApp(t, WithConfig(configs.Scheduled()))
	agent := NewScriptedAgent(t,
		AgentStep{Chunks: []string{"one"}, Continue: true},
		AgentStep{Chunks: []string{"two"}, Continue: true},
		AgentStep{Chunks: []string{"three"}},
	)
	fx := app.SeedChat(t, agent.URL())
	ctx := context.Background()

	sse, err := ConnectSSE(ctx, app.BaseURL, fx.ChatID)
	require.NoError(t, err)
	defer sse.Close()

	app.StartRun(t, fx.ChatID, fx.AgentID, models.BehaviorEnqueue)
	list := app.WaitForRuns(t, fx.ChatID, runFinished(1, models.RunStatusCompleted), 10*time.Second)
	assert.Len(t, list[0].Steps, 3)

	// The connection opened before the first activation sees every step.
	require.NoError(t, sse.WaitForChunks(3, 5*time.Second))
	assert.Equal(t, []string{"one", "two", "three"}, sse.ChunkTexts())

	assert.Equal(t, 0, app.countWakes(t, fx.ChatID), "finished run leaves no wake marker")
}

func frames(evts []StreamEvent) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.Frame
	}
	return out
}
