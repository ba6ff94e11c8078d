package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/services"
	"github.com/codespacesh/blink-sub003/pkg/session"
	"github.com/codespacesh/blink-sub003/pkg/stream"
	"github.com/codespacesh/blink-sub003/pkg/version"
)

// fakeStore is an in-memory StepStore holding at most one step.
type fakeStore struct {
	mu          sync.Mutex
	step        *models.Step
	targetURL   string
	claimOK     bool
	heartbeats  int
	stepOpen    bool
	completeErr error

	completed   *bool
	interrupted bool
	failedWith  string
}

func newFakeStore(targetURL string) *fakeStore {
	return &fakeStore{
		step: &models.Step{
			ID: "step-1", RunID: "run-1", ChatID: "C1", AgentID: "A1", DeploymentID: "dep-1", Number: 1,
		},
		targetURL: targetURL,
		claimOK:   true,
		stepOpen:  true,
	}
}

func (s *fakeStore) GetOpenStep(_ context.Context, _ string) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == nil {
		return nil, services.ErrNotFound
	}
	return s.step, nil
}

func (s *fakeStore) ClaimStep(_ context.Context, _, _ string) (bool, error) {
	return s.claimOK, nil
}

func (s *fakeStore) Heartbeat(_ context.Context, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats++
	return s.stepOpen, nil
}

func (s *fakeStore) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *fakeStore) CompleteStep(_ context.Context, _ string, continueRun bool) (*models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	s.completed = &continueRun
	return nil, nil
}

func (s *fakeStore) InterruptStep(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupted = true
	return nil
}

func (s *fakeStore) FailStep(_ context.Context, _, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedWith = msg
	return nil
}

func (s *fakeStore) GetDeployment(_ context.Context, id string) (*models.Deployment, error) {
	return &models.Deployment{ID: id, AgentID: "A1", TargetURL: s.targetURL}, nil
}

// agentServer serves /step with the given SSE body writer.
func agentServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/step" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req StepRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.StepID == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEvent(w http.ResponseWriter, name, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

type collected struct {
	mu     sync.Mutex
	events []stream.Event
}

func (c *collected) emit(ev stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collected) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Name
	}
	return out
}

func newTestRunner(store StepStore) *StepRunner {
	return NewStepRunner(store, Config{PodID: "pod-1", HeartbeatInterval: 10 * time.Millisecond, RequestTimeout: 5 * time.Second})
}

func TestStepRunner_Success(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		writeEvent(w, "chunk", `{"message_id":"m1","text":"Hel"}`)
		writeEvent(w, "message.created", `{"id":"m1"}`)
		writeEvent(w, "chunk", `{"message_id":"m1","text":"lo"}`)
		writeEvent(w, "done", `{"continue":true}`)
	})
	store := newFakeStore(srv.URL)
	out := &collected{}

	res, err := newTestRunner(store).RunStep(context.Background(), "C1", out.emit)
	require.NoError(t, err)
	assert.True(t, res.Continue)
	require.NotNil(t, store.completed)
	assert.True(t, *store.completed)
	assert.Equal(t, []string{stream.EventChunk, stream.EventMessageCreated, stream.EventChunk}, out.names())
	assert.Equal(t, stream.Chunk("m1", "Hel"), out.events[0])
	assert.Empty(t, store.failedWith)
	h := <-headers
	assert.Equal(t, version.Full(), h.Get("User-Agent"))
	assert.Equal(t, "C1", h.Get("X-Chat-ID"))
}

func TestStepRunner_NothingToDo(t *testing.T) {
	called := false
	srv := agentServer(t, func(http.ResponseWriter, *http.Request) { called = true })

	t.Run("no open step", func(t *testing.T) {
		store := newFakeStore(srv.URL)
		store.step = nil
		res, err := newTestRunner(store).RunStep(context.Background(), "C1", func(stream.Event) {})
		require.NoError(t, err)
		assert.False(t, res.Continue)
	})

	t.Run("claim lost", func(t *testing.T) {
		store := newFakeStore(srv.URL)
		store.claimOK = false
		res, err := newTestRunner(store).RunStep(context.Background(), "C1", func(stream.Event) {})
		require.NoError(t, err)
		assert.False(t, res.Continue)
	})

	assert.False(t, called)
}

func TestStepRunner_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
		wantMsg string
	}{
		{
			name: "agent error event",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEvent(w, "chunk", `{"text":"partial"}`)
				writeEvent(w, "error", `{"message":"model overloaded"}`)
			},
			wantMsg: "agent error: model overloaded",
		},
		{
			name: "stream without done",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEvent(w, "chunk", `{"text":"partial"}`)
			},
			wantMsg: "agent stream ended without a done event",
		},
		{
			name: "non-200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte("upstream down"))
			},
			wantMsg: "agent returned status 502: upstream down",
		},
		{
			name: "malformed chunk",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				writeEvent(w, "chunk", `not json`)
			},
			wantMsg: "invalid chunk event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore(agentServer(t, tt.handler).URL)

			_, err := newTestRunner(store).RunStep(context.Background(), "C1", func(stream.Event) {})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Contains(t, store.failedWith, tt.wantMsg)
			assert.Nil(t, store.completed)
		})
	}
}

func TestStepRunner_CancelledInterruptsStep(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "chunk", `{"text":"Hel"}`)
		<-r.Context().Done()
	})
	store := newFakeStore(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitted := make(chan struct{}, 1)
	res, err := newTestRunner(store).RunStep(ctx, "C1", func(stream.Event) {
		select {
		case emitted <- struct{}{}:
			cancel()
		default:
		}
	})
	assert.ErrorIs(t, err, session.ErrCancelled)
	assert.False(t, res.Continue)
	assert.True(t, store.interrupted)
	assert.Empty(t, store.failedWith)
}

func TestStepRunner_StepClosedElsewhere(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEvent(w, "chunk", `{"text":"Hel"}`)
		<-r.Context().Done()
	})
	store := newFakeStore(srv.URL)
	store.stepOpen = false

	res, err := newTestRunner(store).RunStep(context.Background(), "C1", func(stream.Event) {})
	require.NoError(t, err)
	assert.False(t, res.Continue)
	assert.False(t, store.interrupted)
	assert.Empty(t, store.failedWith)
	assert.Positive(t, store.heartbeatCount())
}

func TestStepRunner_CompletionRace(t *testing.T) {
	srv := agentServer(t, func(w http.ResponseWriter, _ *http.Request) {
		writeEvent(w, "done", `{"continue":true}`)
	})
	store := newFakeStore(srv.URL)
	store.completeErr = services.ErrStepNotOpen

	res, err := newTestRunner(store).RunStep(context.Background(), "C1", func(stream.Event) {})
	require.NoError(t, err)
	assert.False(t, res.Continue)
}
