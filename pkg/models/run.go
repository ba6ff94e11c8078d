// Package models contains request/response models and business domain types.
package models

import "time"

// RunStatus is the lifecycle status of a Run.
type RunStatus string

// Run statuses. Only RunStatusActive is non-terminal.
const (
	RunStatusActive      RunStatus = "active"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusActive
}

// Run is one attempt at driving a Chat forward.
type Run struct {
	ID           string     `json:"id"`
	ChatID       string     `json:"chat_id"`
	AgentID      string     `json:"agent_id"`
	DeploymentID string     `json:"deployment_id"`
	Number       int        `json:"number"`
	Status       RunStatus  `json:"status"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// RunResponse is a Run with its steps, as returned by the run history API.
type RunResponse struct {
	*Run
	Steps []*Step `json:"steps"`
}
