package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsWriter sends each frame as one text message. The bytes are identical
// to the SSE encoding so clients can share one decoder.
type wsWriter struct {
	conn *websocket.Conn
}

// WriteFrame implements stream.Writer.
func (w wsWriter) WriteFrame(ctx context.Context, frame []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, frame)
}

// wsHandler handles GET /api/v1/chats/:id/ws.
// The socket is output-only: any data message from the client closes it.
func (s *Server) wsHandler(c *echo.Context) error {
	chatID := c.Param("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.API.AllowedWSOrigins,
	})
	if err != nil {
		// Accept has already written the error response.
		return nil
	}
	defer func() { _ = conn.CloseNow() }()

	// CloseRead handles pings and reports the peer going away.
	ctx := conn.CloseRead(c.Request().Context())

	sub, err := s.host.Subscribe(chatID, wsWriter{conn: conn}, transportWebSocket)
	if err != nil {
		slog.Warn("Stream subscribe failed", "chat_id", chatID, "error", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "stream unavailable")
		return nil
	}
	defer sub.Close()

	logger := slog.With("chat_id", chatID, "subscriber_id", sub.ID(), "transport", transportWebSocket)
	logger.Debug("Stream opened")

	select {
	case <-ctx.Done():
		logger.Debug("Stream client disconnected")
	case <-sub.Done():
		logger.Debug("Stream subscription ended")
		_ = conn.Close(websocket.StatusGoingAway, "stream closed")
	}
	return nil
}
