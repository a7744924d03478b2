package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/thebosco/library-server/internal/notify"
)

type notificationCreateRequest struct {
	UserID      *int64 `json:"user_id"` // null = broadcast
	Message     string `json:"message"`
	Type        string `json:"type"`
	Priority    int    `json:"priority"`
	Dismissable *bool  `json:"dismissable"` // default true
}

// handleCreateNotification lets an admin queue a notification, targeted at one
// user or broadcast to everyone.
func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		ErrBadRequest(w, "message is required")
		return
	}
	if req.Type == "" {
		req.Type = "info"
	}
	dismissable := true
	if req.Dismissable != nil {
		dismissable = *req.Dismissable
	}

	n, err := s.notify.Create(r.Context(), req.UserID, req.Message, req.Type, req.Priority, dismissable)
	if err != nil {
		s.log.Error("creating notification failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"notification": notificationJSON(n),
	})
}

// handleDismissNotification marks a notification dismissed for the current
// user. Dismissing a notification targeted at someone else reads as 404.
func (s *Server) handleDismissNotification(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		ErrBadRequest(w, "Invalid notification id")
		return
	}
	p := principalFromCtx(r.Context())

	switch err := s.notify.Dismiss(r.Context(), id, p.user.ID); {
	case err == nil:
		JSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, notify.ErrNotFound):
		ErrNotFound(w, "Notification not found")
	case errors.Is(err, notify.ErrNotDismissable):
		ErrBadRequest(w, "Notification cannot be dismissed")
	default:
		s.log.Error("dismissing notification failed", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
	}
}
