package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/codespacesh/blink-sub003/test/database"
	"github.com/codespacesh/blink-sub003/test/util"
)

type received struct {
	mu   sync.Mutex
	msgs []ControlMessage
}

func (r *received) handle(_ context.Context, msg ControlMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *received) snapshot() []ControlMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ControlMessage(nil), r.msgs...)
}

func TestControlMessages_CrossPod(t *testing.T) {
	dbClient := testdb.NewTestClient(t)
	ctx := context.Background()

	// LISTEN/NOTIFY is database-level, so the listener uses the base
	// connection string without a schema search_path.
	baseConnStr := util.GetBaseConnectionString(t)

	podA, podB := &received{}, &received{}
	listenerA := NewNotifyListener(baseConnStr, "pod-a", podA.handle)
	listenerB := NewNotifyListener(baseConnStr, "pod-b", podB.handle)
	require.NoError(t, listenerA.Start(ctx))
	t.Cleanup(func() { listenerA.Stop(context.Background()) })
	require.NoError(t, listenerB.Start(ctx))
	t.Cleanup(func() { listenerB.Stop(context.Background()) })

	publisher := NewControlPublisher(dbClient.DB(), "pod-a")
	require.NoError(t, publisher.Stop(ctx, "chat-1"))
	require.NoError(t, publisher.Messages(ctx, "chat-1", "message.created", []map[string]string{{"id": "m1"}}))

	require.Eventually(t, func() bool { return len(podB.snapshot()) == 2 }, 5*time.Second, 20*time.Millisecond)
	got := podB.snapshot()
	assert.Equal(t, ActionStop, got[0].Action)
	assert.Equal(t, "pod-a", got[0].PodID)
	assert.Equal(t, ActionMessages, got[1].Action)
	assert.JSONEq(t, `[{"id":"m1"}]`, string(got[1].Data))

	// The publishing pod never handles its own messages.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, podA.snapshot())
}

func TestNotifyListener_StopUnlistens(t *testing.T) {
	dbClient := testdb.NewTestClient(t)
	ctx := context.Background()

	podB := &received{}
	listener := NewNotifyListener(util.GetBaseConnectionString(t), "pod-b", podB.handle)
	require.NoError(t, listener.Start(ctx))
	assert.Equal(t, []string{ControlChannel}, listener.Channels())

	listener.Stop(ctx)
	assert.Empty(t, listener.Channels(), "stop releases every LISTEN")

	publisher := NewControlPublisher(dbClient.DB(), "pod-a")
	require.NoError(t, publisher.Stop(ctx, "chat-1"))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, podB.snapshot())
}
