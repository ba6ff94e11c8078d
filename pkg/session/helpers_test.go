package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// stepFunc is one scripted step.
type stepFunc func(ctx context.Context, emit Emitter) (StepResult, error)

// scriptedExecutor plays back one stepFunc per RunStep call. Calls past the
// end of the script report done.
type scriptedExecutor struct {
	mu       sync.Mutex
	steps    []stepFunc
	calls    int
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func newScriptedExecutor(steps ...stepFunc) *scriptedExecutor {
	return &scriptedExecutor{steps: steps}
}

func (e *scriptedExecutor) RunStep(ctx context.Context, _ string, emit Emitter) (StepResult, error) {
	if e.inFlight.Add(1) > 1 {
		e.overlap.Store(true)
	}
	defer e.inFlight.Add(-1)

	e.mu.Lock()
	i := e.calls
	e.calls++
	e.mu.Unlock()

	if i >= len(e.steps) {
		return StepResult{}, nil
	}
	return e.steps[i](ctx, emit)
}

func (e *scriptedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// emitChunks emits each text as a chunk and returns res.
func emitChunks(res StepResult, texts ...string) stepFunc {
	return func(_ context.Context, emit Emitter) (StepResult, error) {
		for _, text := range texts {
			emit(stream.Chunk("m1", text))
		}
		return res, nil
	}
}

// blockUntilCancelled emits texts then waits for ctx.
func blockUntilCancelled(started chan<- struct{}, texts ...string) stepFunc {
	return func(ctx context.Context, emit Emitter) (StepResult, error) {
		for _, text := range texts {
			emit(stream.Chunk("m1", text))
		}
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return StepResult{}, ctx.Err()
	}
}

// recorder is a stream.Writer that collects decoded chunk texts and event names.
type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) WriteFrame(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, string(frame))
	return nil
}

func (r *recorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func chunkFrames(t *testing.T, texts ...string) []string {
	t.Helper()
	out := make([]string, len(texts))
	for i, text := range texts {
		frame, err := stream.Encode(stream.Chunk("m1", text))
		require.NoError(t, err)
		out[i] = string(frame)
	}
	return out
}

func waitForFrames(t *testing.T, r *recorder, want []string) {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Frames()) >= len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, r.Frames())
}

func waitIdle(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

// fakeWakeStore is an in-memory WakeStore.
type fakeWakeStore struct {
	mu      sync.Mutex
	wakes   map[string]time.Time
	claims  map[string]string
	history []string
}

func newFakeWakeStore() *fakeWakeStore {
	return &fakeWakeStore{wakes: map[string]time.Time{}, claims: map[string]string{}}
}

func (s *fakeWakeStore) Schedule(_ context.Context, chatID string, wakeAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakes[chatID] = wakeAt
	delete(s.claims, chatID)
	s.history = append(s.history, "schedule:"+chatID)
	return nil
}

func (s *fakeWakeStore) ClaimDue(_ context.Context, podID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	now := time.Now()
	for id, at := range s.wakes {
		if _, claimed := s.claims[id]; claimed || at.After(now) {
			continue
		}
		if len(out) == limit {
			break
		}
		s.claims[id] = podID
		out = append(out, id)
	}
	return out, nil
}

func (s *fakeWakeStore) Release(_ context.Context, chatID, podID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[chatID] == podID {
		delete(s.wakes, chatID)
		delete(s.claims, chatID)
		s.history = append(s.history, "release:"+chatID)
	}
	return nil
}

func (s *fakeWakeStore) Cancel(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wakes, chatID)
	delete(s.claims, chatID)
	return nil
}

func (s *fakeWakeStore) Pending(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.wakes[chatID]
	return ok
}
