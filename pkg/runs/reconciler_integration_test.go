package runs_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/runs"
	"github.com/codespacesh/blink-sub003/pkg/services"
	"github.com/codespacesh/blink-sub003/pkg/session"
	"github.com/codespacesh/blink-sub003/pkg/stream"
	testdb "github.com/codespacesh/blink-sub003/test/database"
)

func setup(t *testing.T) (*services.RunService, *runs.Reconciler, testdb.Fixture) {
	t.Helper()
	client := testdb.NewTestClient(t)
	svc := services.NewRunService(client.DB())
	return svc, runs.NewReconciler(svc, time.Minute), testdb.Seed(t, client, "http://agent.invalid")
}

func openSteps(t *testing.T, svc *services.RunService, chatID string) int {
	t.Helper()
	history, err := svc.ListRuns(context.Background(), chatID, 1000)
	require.NoError(t, err)
	n := 0
	for _, run := range history {
		for _, step := range run.Steps {
			if step.IsOpen() {
				n++
			}
		}
	}
	return n
}

func TestReconcile_AtMostOneOpenStepUnderConcurrency(t *testing.T) {
	svc, r, fx := setup(t)
	ctx := context.Background()

	const workers = 16
	const rounds = 5
	behaviors := []models.Behavior{models.BehaviorInterrupt, models.BehaviorEnqueue}

	for round := range rounds {
		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := r.Reconcile(ctx, runs.Request{
					ChatID:   fx.ChatID,
					AgentID:  fx.AgentID,
					Behavior: behaviors[rand.IntN(len(behaviors))],
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err, "round %d", round)
		}
		assert.Equal(t, 1, openSteps(t, svc, fx.ChatID), "round %d", round)
	}
}

func TestReconcile_InterruptVersusEnqueue(t *testing.T) {
	svc, r, fx := setup(t)
	ctx := context.Background()

	first, err := r.Reconcile(ctx, runs.Request{ChatID: fx.ChatID, AgentID: fx.AgentID, Behavior: models.BehaviorEnqueue})
	require.NoError(t, err)
	require.True(t, first.Created)

	enqueued, err := r.Reconcile(ctx, runs.Request{ChatID: fx.ChatID, AgentID: fx.AgentID, Behavior: models.BehaviorEnqueue})
	require.NoError(t, err)
	assert.False(t, enqueued.Created)
	assert.False(t, enqueued.Interrupted)

	interrupted, err := r.Reconcile(ctx, runs.Request{ChatID: fx.ChatID, AgentID: fx.AgentID, Behavior: models.BehaviorInterrupt})
	require.NoError(t, err)
	assert.True(t, interrupted.Interrupted)
	require.True(t, interrupted.Created)
	assert.Equal(t, 2, interrupted.Run.Number)

	old, err := svc.GetStep(ctx, first.Step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusInterrupted, old.Status())

	history, err := svc.ListRuns(ctx, fx.ChatID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, 1, openSteps(t, svc, fx.ChatID))
}

func TestReconcile_HealsStalledStepRegardlessOfBehavior(t *testing.T) {
	for _, behavior := range []models.Behavior{models.BehaviorEnqueue, models.BehaviorInterrupt} {
		t.Run(string(behavior), func(t *testing.T) {
			svc, _, fx := setup(t)
			r := runs.NewReconciler(svc, 50*time.Millisecond)
			ctx := context.Background()

			first, err := r.Reconcile(ctx, runs.Request{ChatID: fx.ChatID, AgentID: fx.AgentID, Behavior: models.BehaviorEnqueue})
			require.NoError(t, err)
			time.Sleep(100 * time.Millisecond)

			res, err := r.Reconcile(ctx, runs.Request{ChatID: fx.ChatID, AgentID: fx.AgentID, Behavior: behavior})
			require.NoError(t, err)
			assert.True(t, res.Created)

			stalled, err := svc.GetStep(ctx, first.Step.ID)
			require.NoError(t, err)
			if behavior == models.BehaviorEnqueue {
				assert.Equal(t, 1, res.Healed)
				assert.Equal(t, models.StepStatusErrored, stalled.Status())
				require.NotNil(t, stalled.Error)
				assert.Equal(t, models.StalledStepError, *stalled.Error)
			} else {
				// Interrupt closes the step before the heal pass sees it.
				assert.Equal(t, models.StepStatusInterrupted, stalled.Status())
			}
		})
	}
}

// stepExecutor emits a fixed script for the chat's open step and completes it.
type stepExecutor struct {
	svc    *services.RunService
	chunks []string
	gate   chan struct{}
}

func (e *stepExecutor) RunStep(ctx context.Context, chatID string, emit session.Emitter) (session.StepResult, error) {
	step, err := e.svc.GetOpenStep(ctx, chatID)
	if err != nil {
		return session.StepResult{}, err
	}
	for i, text := range e.chunks {
		emit(stream.Chunk(step.ID, text))
		if i == 0 {
			<-e.gate
		}
	}
	if _, err := e.svc.CompleteStep(ctx, step.ID, false); err != nil {
		return session.StepResult{}, err
	}
	return session.StepResult{Continue: false}, nil
}

type frames struct {
	mu  sync.Mutex
	got []string
}

func (f *frames) WriteFrame(_ context.Context, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, string(frame))
	return nil
}

func (f *frames) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.got...)
}

func TestReconcile_EndToEnd(t *testing.T) {
	svc, r, fx := setup(t)
	ctx := context.Background()

	res, err := r.Reconcile(ctx, runs.Request{ChatID: fx.ChatID, AgentID: fx.AgentID, Behavior: models.BehaviorEnqueue})
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.Equal(t, 1, res.Run.Number)
	assert.True(t, res.Step.IsOpen())

	exec := &stepExecutor{svc: svc, chunks: []string{"Hel", "lo"}, gate: make(chan struct{})}
	host := session.NewProcessHost(exec, stream.DefaultOptions(), 0)

	before := &frames{}
	_, err = host.Subscribe(fx.ChatID, before, "test")
	require.NoError(t, err)
	require.NoError(t, host.Start(ctx, fx.ChatID, false))

	require.Eventually(t, func() bool { return len(before.snapshot()) == 1 }, 2*time.Second, 5*time.Millisecond)
	after := &frames{}
	_, err = host.Subscribe(fx.ChatID, after, "test")
	require.NoError(t, err)
	close(exec.gate)

	var want []string
	for _, text := range exec.chunks {
		frame, err := stream.Encode(stream.Chunk(res.Step.ID, text))
		require.NoError(t, err)
		want = append(want, string(frame))
	}
	require.Eventually(t, func() bool {
		return !host.Running(fx.ChatID) && len(before.snapshot()) == 2 && len(after.snapshot()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, want, before.snapshot())
	assert.Equal(t, want, after.snapshot())

	step, err := svc.GetStep(ctx, res.Step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, step.Status())
	assert.Equal(t, 0, openSteps(t, svc, fx.ChatID))

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, host.Shutdown(shutdownCtx))
}
