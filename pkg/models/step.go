package models

import "time"

// StepStatus is derived from a Step's terminal markers; it is not stored.
type StepStatus string

// Step statuses.
const (
	StepStatusOpen        StepStatus = "open"
	StepStatusCompleted   StepStatus = "completed"
	StepStatusInterrupted StepStatus = "interrupted"
	StepStatusErrored     StepStatus = "errored"
)

// StalledStepError is written to a step that stopped heartbeating.
const StalledStepError = "step stalled: no heartbeat"

// Step is the unit of execution within a Run.
// A step is open while CompletedAt, InterruptedAt and Error are all nil.
type Step struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	ChatID        string     `json:"chat_id"`
	AgentID       string     `json:"agent_id"`
	DeploymentID  string     `json:"deployment_id"`
	Number        int        `json:"number"`
	ClaimedBy     *string    `json:"claimed_by,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	HeartbeatAt   time.Time  `json:"heartbeat_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	InterruptedAt *time.Time `json:"interrupted_at,omitempty"`
	Error         *string    `json:"error,omitempty"`
}

// IsOpen reports whether no terminal marker has been set.
func (s *Step) IsOpen() bool {
	return s.CompletedAt == nil && s.InterruptedAt == nil && s.Error == nil
}

// Status derives the step status from its terminal markers.
func (s *Step) Status() StepStatus {
	switch {
	case s.Error != nil:
		return StepStatusErrored
	case s.InterruptedAt != nil:
		return StepStatusInterrupted
	case s.CompletedAt != nil:
		return StepStatusCompleted
	default:
		return StepStatusOpen
	}
}
