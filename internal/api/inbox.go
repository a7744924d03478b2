package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/thebosco/library-server/internal/inbox"
	"github.com/thebosco/library-server/internal/store"
)

type inboxCreateRequest struct {
	Message    string `json:"message"`
	ReplyVia   string `json:"reply_via"`
	ReplyEmail string `json:"reply_email"`
}

// handleInboxCreate stores a user-to-admin message.
func (s *Server) handleInboxCreate(w http.ResponseWriter, r *http.Request) {
	var req inboxCreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ReplyVia == "" {
		req.ReplyVia = string(store.ReplyInApp)
	}
	p := principalFromCtx(r.Context())

	msg, err := s.inbox.Create(r.Context(), p.user.ID, req.Message,
		store.ReplyMethod(req.ReplyVia), req.ReplyEmail)
	if err != nil {
		if errors.Is(err, inbox.ErrInvalid) {
			ErrBadRequest(w, err.Error())
			return
		}
		s.log.Error("creating inbox message failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": inboxJSON(msg),
	})
}

// handleInboxList returns messages for admin review, optionally filtered by
// ?status=.
func (s *Server) handleInboxList(w http.ResponseWriter, r *http.Request) {
	status := store.InboxStatus(r.URL.Query().Get("status"))
	switch status {
	case "", store.InboxUnread, store.InboxRead, store.InboxReplied, store.InboxArchived:
	default:
		ErrBadRequest(w, "Invalid status filter")
		return
	}

	msgs, err := s.inbox.List(r.Context(), status)
	if err != nil {
		s.log.Error("listing inbox failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]map[string]any, 0, len(msgs))
	for i := range msgs {
		out = append(out, inboxJSON(&msgs[i]))
	}
	JSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleInboxMarkRead(w http.ResponseWriter, r *http.Request) {
	s.inboxTransition(w, r, s.inbox.MarkRead)
}

func (s *Server) handleInboxMarkReplied(w http.ResponseWriter, r *http.Request) {
	s.inboxTransition(w, r, s.inbox.MarkReplied)
}

func (s *Server) handleInboxArchive(w http.ResponseWriter, r *http.Request) {
	s.inboxTransition(w, r, s.inbox.Archive)
}

// inboxTransition runs a status transition shared by the read/reply/archive
// endpoints.
func (s *Server) inboxTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) error) {
	id, ok := parseIDParam(r)
	if !ok {
		ErrBadRequest(w, "Invalid message id")
		return
	}

	switch err := fn(r.Context(), id); {
	case err == nil:
		JSON(w, http.StatusOK, map[string]any{"success": true})
	case errors.Is(err, inbox.ErrNotFound):
		ErrNotFound(w, "Message not found")
	default:
		s.log.Error("inbox transition failed", zap.Int64("id", id), zap.Error(err))
		ErrInternal(w)
	}
}

// inboxJSON is the admin-facing shape of a message. reply_email is null once
// the message has been replied to.
func inboxJSON(m *store.InboxMessage) map[string]any {
	var replyEmail *string
	if m.ReplyEmail != "" {
		v := string(m.ReplyEmail)
		replyEmail = &v
	}
	return map[string]any{
		"id":           m.ID,
		"from_user_id": m.FromUserID,
		"message":      m.Message,
		"reply_via":    m.ReplyVia,
		"reply_email":  replyEmail,
		"status":       m.Status,
		"created_at":   m.CreatedAt,
		"read_at":      m.ReadAt,
		"replied_at":   m.RepliedAt,
	}
}

func parseIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}
