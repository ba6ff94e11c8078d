package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// Transport labels used in logs and metrics.
const (
	transportSSE       = "sse"
	transportWebSocket = "websocket"
)

var errStreamClosed = errors.New("stream closed")

// sseWriter writes frames to one SSE response. The subscription's pump and
// the handler's keepalive both write through it; once the handler returns
// the writer refuses further writes because the ResponseWriter is no longer
// valid.
type sseWriter struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	closed bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// WriteFrame implements stream.Writer.
func (s *sseWriter) WriteFrame(ctx context.Context, frame []byte) error {
	return s.write(ctx, frame)
}

func (s *sseWriter) keepalive(ctx context.Context) error {
	return s.write(ctx, []byte(": keepalive\n\n"))
}

func (s *sseWriter) write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := s.rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// streamHandler handles GET /api/v1/chats/:id/stream.
// Replays the in-flight step's chunks, then pushes live events until the
// client disconnects or the subscription is dropped.
func (s *Server) streamHandler(c *echo.Context) error {
	chatID := c.Param("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	w := c.Response()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sw := newSSEWriter(w)
	defer sw.close()

	// Hold the writer until the headers are out so replayed frames cannot
	// race them, and so a failed subscribe can still answer with an error.
	sw.mu.Lock()
	sub, err := s.host.Subscribe(chatID, sw, transportSSE)
	if err != nil {
		sw.mu.Unlock()
		return mapServiceError(err)
	}
	defer sub.Close()
	w.WriteHeader(http.StatusOK)
	err = sw.rc.Flush()
	sw.mu.Unlock()
	if err != nil {
		return nil
	}

	logger := slog.With("chat_id", chatID, "subscriber_id", sub.ID(), "transport", transportSSE)
	logger.Debug("Stream opened")

	ctx := c.Request().Context()
	ticker := time.NewTicker(s.cfg.Streaming.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Stream client disconnected")
			return nil
		case <-sub.Done():
			logger.Debug("Stream subscription ended")
			return nil
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, s.cfg.Streaming.WriteTimeout)
			err := sw.keepalive(writeCtx)
			cancel()
			if err != nil {
				logger.Debug("Stream keepalive failed", "error", err)
				return nil
			}
		}
	}
}

var _ stream.Writer = (*sseWriter)(nil)
