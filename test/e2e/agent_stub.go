package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/codespacesh/blink-sub003/pkg/agent"
)

// AgentStep scripts one step of the stub agent deployment.
type AgentStep struct {
	Chunks   []string
	Continue bool
	// Block holds the response open after the chunks until the request is
	// cancelled or Release is called.
	Block bool
	// Error ends the step with an error event.
	Error string
}

// ScriptedAgent is an agent deployment serving POST /step from a script.
// Steps are consumed in order; once the script is exhausted every step
// answers with a bare done event.
type ScriptedAgent struct {
	mu       sync.Mutex
	script   []AgentStep
	requests []agent.StepRequest
	started  chan agent.StepRequest
	release  chan struct{}

	server *httptest.Server
}

// NewScriptedAgent starts the stub deployment. It is closed with t.Cleanup.
func NewScriptedAgent(t *testing.T, script ...AgentStep) *ScriptedAgent {
	t.Helper()
	a := &ScriptedAgent{
		script:  script,
		started: make(chan agent.StepRequest, 64),
		release: make(chan struct{}),
	}
	a.server = httptest.NewServer(http.HandlerFunc(a.handleStep))
	t.Cleanup(a.server.Close)
	return a
}

// URL is the deployment target URL.
func (a *ScriptedAgent) URL() string {
	return a.server.URL
}

// Started delivers every step request as it arrives.
func (a *ScriptedAgent) Started() <-chan agent.StepRequest {
	return a.started
}

// Release unblocks every step waiting on Block.
func (a *ScriptedAgent) Release() {
	close(a.release)
}

// Requests returns the step requests received so far.
func (a *ScriptedAgent) Requests() []agent.StepRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.StepRequest(nil), a.requests...)
}

func (a *ScriptedAgent) next(req agent.StepRequest) AgentStep {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, req)
	if len(a.script) == 0 {
		return AgentStep{}
	}
	step := a.script[0]
	a.script = a.script[1:]
	return step
}

func (a *ScriptedAgent) handleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/step" {
		http.NotFound(w, r)
		return
	}
	var req agent.StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	step := a.next(req)
	a.started <- req

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	send := func(name string, data any) {
		b, _ := json.Marshal(data)
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
		if flusher != nil {
			flusher.Flush()
		}
	}

	messageID := fmt.Sprintf("msg-%s-%d", req.RunID, req.StepNumber)
	for _, text := range step.Chunks {
		send("chunk", map[string]string{"message_id": messageID, "text": text})
	}
	if step.Block {
		select {
		case <-r.Context().Done():
			return
		case <-a.release:
		}
	}
	if step.Error != "" {
		send("error", map[string]string{"message": step.Error})
		return
	}
	send("message.created", map[string]string{"id": messageID, "role": "assistant"})
	send("done", map[string]bool{"continue": step.Continue})
}
