package models

import "time"

// Behavior controls how a run request treats an already-open step.
type Behavior string

const (
	// BehaviorInterrupt cancels the in-flight step and starts a fresh run.
	BehaviorInterrupt Behavior = "interrupt"
	// BehaviorEnqueue defers to an already-running step.
	BehaviorEnqueue Behavior = "enqueue"
)

// IsValid checks if the behavior is known.
func (b Behavior) IsValid() bool {
	switch b {
	case BehaviorInterrupt, BehaviorEnqueue:
		return true
	default:
		return false
	}
}

// Chat is a conversation identity. Chats are created outside this service.
type Chat struct {
	ID        string    `json:"id"`
	AgentID   *string   `json:"agent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Deployment is a reachable build of an agent.
type Deployment struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	TargetURL string    `json:"target_url"`
	CreatedAt time.Time `json:"created_at"`
}

// StartRunRequest is the body of POST /api/v1/chats/:id/runs.
type StartRunRequest struct {
	AgentID      string   `json:"agent_id"`
	Behavior     Behavior `json:"behavior"`
	DeploymentID *string  `json:"deployment_id,omitempty"`
}

// StartRunResponse reports whether a new run was created.
// Created is false when another step already drives the chat.
type StartRunResponse struct {
	ChatID    string `json:"chat_id"`
	Created   bool   `json:"created"`
	RunID     string `json:"run_id,omitempty"`
	RunNumber int    `json:"run_number,omitempty"`
	StepID    string `json:"step_id,omitempty"`
}

// StopResponse is returned by POST /api/v1/chats/:id/stop.
type StopResponse struct {
	ChatID  string `json:"chat_id"`
	Stopped bool   `json:"stopped"`
}
