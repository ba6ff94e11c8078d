// Package events carries chat control messages between pods over
// PostgreSQL NOTIFY/LISTEN. A pod that receives an interrupt or stop for a
// chat publishes it so the pod actually running the chat can act on it.
// Stream chunks are not relayed: viewers attach to the pod serving the chat.
package events

import (
	"encoding/json"
	"fmt"
)

// ControlChannel is the NOTIFY channel every pod listens on.
const ControlChannel = "chat_control"

// Action names a control operation.
type Action string

const (
	// ActionStop cancels the chat's running step.
	ActionStop Action = "stop"
	// ActionInterrupt cancels the chat's running step because a new run
	// replaced it. The publishing pod drives the new run.
	ActionInterrupt Action = "interrupt"
	// ActionMessages relays a message.created / message.updated event to
	// the pod holding the chat's subscribers.
	ActionMessages Action = "messages"
)

// ControlMessage is the NOTIFY payload.
type ControlMessage struct {
	ChatID string          `json:"chat_id"`
	Action Action          `json:"action"`
	PodID  string          `json:"pod_id"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	// Truncated is set when Data was dropped to fit the NOTIFY size limit.
	Truncated bool `json:"truncated,omitempty"`
}

// Validate checks the message has what its action needs.
func (m ControlMessage) Validate() error {
	if m.ChatID == "" {
		return fmt.Errorf("control message: chat_id is required")
	}
	switch m.Action {
	case ActionStop, ActionInterrupt:
		return nil
	case ActionMessages:
		if m.Event == "" {
			return fmt.Errorf("control message: event is required for %s", m.Action)
		}
		return nil
	default:
		return fmt.Errorf("control message: unknown action %q", m.Action)
	}
}

// decodeControlMessage parses and validates a NOTIFY payload.
func decodeControlMessage(payload string) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("failed to decode control message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return ControlMessage{}, err
	}
	return msg, nil
}
