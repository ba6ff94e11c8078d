package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// maxNotifyPayload stays under PostgreSQL's 8000-byte NOTIFY limit.
const maxNotifyPayload = 7900

// ControlPublisher broadcasts control messages to every pod.
type ControlPublisher struct {
	db    *sql.DB
	podID string
}

// NewControlPublisher creates a ControlPublisher. Messages are stamped with
// podID so the publishing pod can ignore its own echo.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewControlPublisher(db *sql.DB, podID string) *ControlPublisher {
	return &ControlPublisher{db: db, podID: podID}
}

// Publish sends msg on ControlChannel.
func (p *ControlPublisher) Publish(ctx context.Context, msg ControlMessage) error {
	msg.PodID = p.podID
	if err := msg.Validate(); err != nil {
		return err
	}
	payload, err := encodeNotifyPayload(msg)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", ControlChannel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// Stop asks whichever pod runs chatID to cancel its step.
func (p *ControlPublisher) Stop(ctx context.Context, chatID string) error {
	return p.Publish(ctx, ControlMessage{ChatID: chatID, Action: ActionStop})
}

// Interrupt tells other pods their step for chatID was replaced.
func (p *ControlPublisher) Interrupt(ctx context.Context, chatID string) error {
	return p.Publish(ctx, ControlMessage{ChatID: chatID, Action: ActionInterrupt})
}

// Messages relays a structural message event for chatID.
func (p *ControlPublisher) Messages(ctx context.Context, chatID, event string, messages any) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}
	return p.Publish(ctx, ControlMessage{ChatID: chatID, Action: ActionMessages, Event: event, Data: data})
}

// encodeNotifyPayload marshals msg, dropping Data when the result would
// exceed the NOTIFY limit. Receivers see Truncated and refetch history.
func encodeNotifyPayload(msg ControlMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal control message: %w", err)
	}
	if len(b) <= maxNotifyPayload {
		return string(b), nil
	}
	msg.Data = nil
	msg.Truncated = true
	b, err = json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated control message: %w", err)
	}
	return string(b), nil
}
