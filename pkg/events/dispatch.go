package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codespacesh/blink-sub003/pkg/session"
)

// HostHandler applies control messages from other pods to the local host.
// Stop and interrupt only cancel a step running here: the publishing pod
// has already updated the durable state. Relayed message events reach the
// subscribers attached to this pod; a truncated one is delivered with null
// data so clients refetch.
func HostHandler(host session.Host) ControlHandler {
	return func(_ context.Context, msg ControlMessage) {
		logger := slog.With("chat_id", msg.ChatID, "action", msg.Action, "from_pod", msg.PodID)
		switch msg.Action {
		case ActionStop, ActionInterrupt:
			if host.Cancel(msg.ChatID) {
				logger.Info("Cancelled step on control message")
			}
		case ActionMessages:
			var data any
			if !msg.Truncated && len(msg.Data) > 0 {
				data = json.RawMessage(msg.Data)
			}
			if err := host.NotifyMessages(msg.ChatID, msg.Event, data); err != nil {
				logger.Warn("Failed to relay message event", "event", msg.Event, "error", err)
			}
		}
	}
}
