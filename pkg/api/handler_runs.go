package api

import (
	"log/slog"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/runs"
	"github.com/codespacesh/blink-sub003/pkg/stream"
)

// startRunHandler handles POST /api/v1/chats/:id/runs.
// Reconciles durable state, then starts (or interrupts) the chat's loop
// on this pod. Returns 202: the step executes asynchronously and its output
// is observed through the stream endpoints.
func (s *Server) startRunHandler(c *echo.Context) error {
	chatID := c.Param("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	var req models.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Behavior == "" {
		req.Behavior = models.BehaviorEnqueue
	}

	ctx := c.Request().Context()
	result, err := s.reconciler.Reconcile(ctx, runs.Request{
		ChatID:       chatID,
		AgentID:      req.AgentID,
		Behavior:     req.Behavior,
		DeploymentID: req.DeploymentID,
	})
	if err != nil {
		return mapServiceError(err)
	}

	interrupt := req.Behavior == models.BehaviorInterrupt
	if err := s.host.Start(ctx, chatID, interrupt); err != nil {
		return mapServiceError(err)
	}
	if interrupt && s.control != nil {
		// A step of this chat may be running on another pod.
		if err := s.control.Interrupt(ctx, chatID); err != nil {
			slog.Warn("Failed to publish interrupt", "chat_id", chatID, "error", err)
		}
	}

	resp := &models.StartRunResponse{ChatID: chatID, Created: result.Created}
	if result.Run != nil {
		resp.RunID = result.Run.ID
		resp.RunNumber = result.Run.Number
	}
	if result.Step != nil {
		resp.StepID = result.Step.ID
	}
	return c.JSON(http.StatusAccepted, resp)
}

// listRunsHandler handles GET /api/v1/chats/:id/runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	chatID := c.Param("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit: must be between 1 and 100")
		}
		limit = n
	}

	list, err := s.history.ListRuns(c.Request().Context(), chatID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &RunListResponse{ChatID: chatID, Runs: list})
}

// stopHandler handles POST /api/v1/chats/:id/stop.
// Cancels the running step without starting a new one, here and on every
// other pod.
func (s *Server) stopHandler(c *echo.Context) error {
	chatID := c.Param("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	ctx := c.Request().Context()
	stopped, err := s.host.Stop(ctx, chatID)
	if err != nil {
		return mapServiceError(err)
	}
	if s.control != nil {
		if err := s.control.Stop(ctx, chatID); err != nil {
			slog.Warn("Failed to publish stop", "chat_id", chatID, "error", err)
		}
	}
	return c.JSON(http.StatusOK, &models.StopResponse{ChatID: chatID, Stopped: stopped})
}

// notifyMessagesHandler handles POST /api/v1/chats/:id/messages/notify.
// Called by whatever persisted a message change so that connected viewers
// see it without re-querying.
func (s *Server) notifyMessagesHandler(c *echo.Context) error {
	chatID := c.Param("id")
	if chatID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chat id is required")
	}

	var req NotifyMessagesRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Event != stream.EventMessageCreated && req.Event != stream.EventMessageUpdated {
		return echo.NewHTTPError(http.StatusBadRequest, "event must be message.created or message.updated")
	}

	if err := s.host.NotifyMessages(chatID, req.Event, req.Messages); err != nil {
		return mapServiceError(err)
	}
	if s.control != nil {
		if err := s.control.Messages(c.Request().Context(), chatID, req.Event, req.Messages); err != nil {
			slog.Warn("Failed to publish message notification", "chat_id", chatID, "error", err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}
