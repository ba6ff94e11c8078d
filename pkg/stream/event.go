// Package stream encodes chat output events and fans them out to live
// subscribers, replaying the in-flight step's chunks to late joiners.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Event names emitted while a step executes.
const (
	EventChunk          = "message.chunk.added"
	EventMessageCreated = "message.created"
	EventMessageUpdated = "message.updated"
)

// Event is one named output event. Data is JSON-encoded on the wire.
type Event struct {
	Name string
	Data any
}

// Buffered reports whether the event is kept for replay. Only chunks are;
// message events can be re-read from history by a late subscriber.
func (e Event) Buffered() bool {
	return e.Name == EventChunk
}

// ChunkPayload is the data of an EventChunk.
type ChunkPayload struct {
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
}

// Chunk builds a chunk event carrying text.
func Chunk(messageID, text string) Event {
	return Event{Name: EventChunk, Data: ChunkPayload{MessageID: messageID, Text: text}}
}

// Encode renders e as "event: <name>\ndata: <json>\n\n". Every transport
// writes exactly these bytes so clients can share one decoder.
func Encode(e Event) ([]byte, error) {
	if e.Name == "" || strings.ContainsAny(e.Name, "\r\n") {
		return nil, fmt.Errorf("invalid event name %q", e.Name)
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", e.Name, err)
	}
	frame := make([]byte, 0, len(e.Name)+len(data)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, e.Name...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

// Writer is one subscriber connection. WriteFrame must honor ctx.
type Writer interface {
	WriteFrame(ctx context.Context, frame []byte) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, frame []byte) error

// WriteFrame calls f.
func (f WriterFunc) WriteFrame(ctx context.Context, frame []byte) error {
	return f(ctx, frame)
}
