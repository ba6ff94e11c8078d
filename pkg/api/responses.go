package api

import (
	"github.com/codespacesh/blink-sub003/pkg/models"
	"github.com/codespacesh/blink-sub003/pkg/session"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Checks   map[string]HealthCheck `json:"checks"`
	Sessions session.HostStats      `json:"sessions"`
}

// HealthCheck is the result of one component check.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RunListResponse is returned by GET /api/v1/chats/:id/runs.
type RunListResponse struct {
	ChatID string                `json:"chat_id"`
	Runs   []*models.RunResponse `json:"runs"`
}

// NotifyMessagesRequest is the body of POST /api/v1/chats/:id/messages/notify.
type NotifyMessagesRequest struct {
	Event    string `json:"event"`
	Messages any    `json:"messages"`
}
