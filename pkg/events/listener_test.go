package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewNotifyListener(t *testing.T) {
	listener := NewNotifyListener("host=localhost dbname=test", "pod-a", func(context.Context, ControlMessage) {})

	assert.NotNil(t, listener)
	assert.Equal(t, "host=localhost dbname=test", listener.connString)
	assert.Equal(t, "pod-a", listener.podID)
	assert.NotNil(t, listener.channels)
}

func TestNotifyListener_ChannelTrackingWithoutConnection(t *testing.T) {
	// Without calling Start(), the listener has no connection.
	listener := NewNotifyListener("host=localhost dbname=test", "pod-a", func(context.Context, ControlMessage) {})

	t.Run("subscribe without connection returns error", func(t *testing.T) {
		err := listener.Subscribe(t.Context(), ControlChannel)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not established")
	})

	t.Run("unsubscribe without connection is a no-op", func(t *testing.T) {
		err := listener.Unsubscribe(t.Context(), ControlChannel)
		assert.NoError(t, err)
	})

	t.Run("stop without start is a no-op", func(t *testing.T) {
		listener.Stop(t.Context())
		assert.Empty(t, listener.Channels())
	})
}

func TestNotifyListener_Dispatch(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		payload string
		want    *ControlMessage
	}{
		{
			name:    "message from another pod",
			channel: ControlChannel,
			payload: `{"chat_id":"C1","action":"stop","pod_id":"pod-b"}`,
			want:    &ControlMessage{ChatID: "C1", Action: ActionStop, PodID: "pod-b"},
		},
		{
			name:    "own message ignored",
			channel: ControlChannel,
			payload: `{"chat_id":"C1","action":"stop","pod_id":"pod-a"}`,
		},
		{
			name:    "other channel ignored",
			channel: "sessions",
			payload: `{"chat_id":"C1","action":"stop","pod_id":"pod-b"}`,
		},
		{
			name:    "malformed payload dropped",
			channel: ControlChannel,
			payload: `{not json`,
		},
		{
			name:    "invalid action dropped",
			channel: ControlChannel,
			payload: `{"chat_id":"C1","action":"restart","pod_id":"pod-b"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *ControlMessage
			listener := NewNotifyListener("", "pod-a", func(_ context.Context, msg ControlMessage) {
				got = &msg
			})
			listener.dispatch(t.Context(), tt.channel, tt.payload)
			assert.Equal(t, tt.want, got)
		})
	}
}
