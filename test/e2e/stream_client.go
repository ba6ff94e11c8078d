package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// StreamEvent is one event received on a chat stream.
type StreamEvent struct {
	Name     string
	Data     json.RawMessage
	Frame    string // exact bytes received
	Received time.Time
}

// Text returns the chunk text of a message.chunk.added event.
func (e StreamEvent) Text() string {
	var p stream.ChunkPayload
	_ = json.Unmarshal(e.Data, &p)
	return p.Text
}

// StreamClient collects events from one SSE or WebSocket connection.
type StreamClient struct {
	mu     sync.Mutex
	events []StreamEvent
	cancel context.CancelFunc
	doneCh chan struct{}
	closer func()
}

// ConnectSSE opens GET {baseURL}/api/v1/chats/{chatID}/stream and starts
// collecting events in a background goroutine.
func ConnectSSE(ctx context.Context, baseURL, chatID string) (*StreamClient, error) {
	clientCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(clientCtx, http.MethodGet,
		fmt.Sprintf("%s/api/v1/chats/%s/stream", baseURL, chatID), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE connect: status %d", resp.StatusCode)
	}

	c := &StreamClient{cancel: cancel, doneCh: make(chan struct{}), closer: func() { _ = resp.Body.Close() }}
	go func() {
		defer close(c.doneCh)
		r := bufio.NewReader(resp.Body)
		var frame strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			frame.WriteString(line)
			if line != "\n" {
				continue
			}
			if !strings.HasPrefix(frame.String(), ":") {
				c.add(frame.String())
			}
			frame.Reset()
		}
	}()
	return c, nil
}

// ConnectWS dials {baseURL}/api/v1/chats/{chatID}/ws and starts collecting.
func ConnectWS(ctx context.Context, baseURL, chatID string) (*StreamClient, error) {
	clientCtx, cancel := context.WithCancel(ctx)
	conn, _, err := websocket.Dial(clientCtx, fmt.Sprintf("%s/api/v1/chats/%s/ws", baseURL, chatID), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	c := &StreamClient{cancel: cancel, doneCh: make(chan struct{}), closer: func() { _ = conn.CloseNow() }}
	go func() {
		defer close(c.doneCh)
		for {
			_, data, err := conn.Read(clientCtx)
			if err != nil {
				return
			}
			c.add(string(data))
		}
	}()
	return c, nil
}

func (c *StreamClient) add(frame string) {
	evt := StreamEvent{Frame: frame, Received: time.Now()}
	for _, line := range strings.Split(strings.TrimRight(frame, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			evt.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			evt.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
}

// Events returns a snapshot of all collected events.
func (c *StreamClient) Events() []StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StreamEvent(nil), c.events...)
}

// EventsByName returns events filtered by name.
func (c *StreamClient) EventsByName(name string) []StreamEvent {
	var out []StreamEvent
	for _, e := range c.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

// ChunkTexts returns the text of every chunk received, in order.
func (c *StreamClient) ChunkTexts() []string {
	var out []string
	for _, e := range c.EventsByName(stream.EventChunk) {
		out = append(out, e.Text())
	}
	return out
}

// WaitFor polls until predicate holds for the collected events or timeout.
func (c *StreamClient) WaitFor(predicate func([]StreamEvent) bool, timeout time.Duration) error {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		if predicate(c.Events()) {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for condition (collected %d events)", len(c.Events()))
		case <-tick.C:
		}
	}
}

// WaitForChunks waits until n chunk events have arrived.
func (c *StreamClient) WaitForChunks(n int, timeout time.Duration) error {
	return c.WaitFor(func([]StreamEvent) bool { return len(c.EventsByName(stream.EventChunk)) >= n }, timeout)
}

// Close closes the connection and waits for the reader to exit.
func (c *StreamClient) Close() {
	c.cancel()
	c.closer()
	<-c.doneCh
}
