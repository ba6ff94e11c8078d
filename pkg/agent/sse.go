package agent

import (
	"bufio"
	"io"
	"strings"
)

// Event names sent by agent deployments on the step stream.
const (
	agentEventChunk = "chunk"
	agentEventDone  = "done"
	agentEventError = "error"
)

// maxEventSize bounds a single SSE line from an agent.
const maxEventSize = 1 << 20

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	Event string
	Data  string
}

// readSSE parses r as a text/event-stream and calls handle for each event.
// Comment lines and unknown fields are ignored; multiple data lines are
// joined with a newline.
func readSSE(r io.Reader, handle func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var ev sseEvent
	var hasData bool
	flush := func() error {
		if ev.Event == "" && !hasData {
			return nil
		}
		if ev.Event == "" {
			ev.Event = "message"
		}
		err := handle(ev)
		ev, hasData = sseEvent{}, false
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if hasData {
				ev.Data += "\n" + data
			} else {
				ev.Data = data
				hasData = true
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
