package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/thebosco/library-server/internal/store"
	"github.com/thebosco/library-server/internal/user"
)

// decoySecret is verified against when the username does not resolve, so the
// failure path costs the same as a real verification.
var decoySecret = make([]byte, 20)

type loginRequest struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// handleLogin verifies a TOTP code and opens a session. Every failure mode
// returns the same 401 body.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Code == "" {
		ErrBadRequest(w, "username and code are required")
		return
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			s.totp.Verify(decoySecret, req.Code)
			s.observeLogin("totp", false)
			ErrInvalidCredentials(w)
			return
		}
		s.log.Error("login lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if u.AuthType != store.AuthTOTP || len(u.AuthCredential) == 0 ||
		!s.totp.Verify(u.AuthCredential, req.Code) {
		s.observeLogin("totp", false)
		ErrInvalidCredentials(w)
		return
	}

	_, raw, err := s.sessions.CreateForUser(r.Context(), u.ID, r.UserAgent(), clientIP(r))
	if err != nil {
		s.log.Error("session creation failed", zap.Int64("user_id", u.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := s.users.UpdateLastLogin(r.Context(), u); err != nil {
		s.log.Warn("last_login update failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}

	s.observeLogin("totp", true)
	s.setSessionCookie(w, raw, 0)
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userJSON(u),
	})
}

// handleLogout invalidates the current session, if any, and clears the
// cookie. Always 200.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFromCtx(r.Context()); sess != nil {
		if err := s.sessions.Invalidate(r.Context(), sess); err != nil {
			s.log.Warn("logout invalidation failed", zap.Int64("session_id", sess.ID), zap.Error(err))
		}
	}
	s.clearSessionCookie(w)
	JSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleMe returns the current user, session metadata, and active
// notifications.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())

	notifications, err := s.notify.ActiveForUser(r.Context(), p.user.ID)
	if err != nil {
		s.log.Error("loading notifications failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	ns := make([]map[string]any, 0, len(notifications))
	for i := range notifications {
		ns = append(ns, notificationJSON(&notifications[i]))
	}

	JSON(w, http.StatusOK, map[string]any{
		"user": userJSON(p.user),
		"session": map[string]any{
			"created_at": p.sess.CreatedAt,
			"last_seen":  p.sess.LastSeen,
		},
		"notifications": ns,
	})
}

// handleCheck reports authentication state without requiring it.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())
	if p == nil {
		JSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      p.user.Username,
		"is_admin":      p.user.IsAdmin,
	})
}

func (s *Server) observeLogin(method string, ok bool) {
	if s.metrics == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	s.metrics.ObserveLogin(method, outcome)
}

// userJSON is the public shape of a user record. Credentials and recovery
// contacts never appear in it.
func userJSON(u *store.User) map[string]any {
	var lastLogin *time.Time
	if u.LastLogin != nil {
		lastLogin = u.LastLogin
	}
	return map[string]any{
		"id":               u.ID,
		"username":         u.Username,
		"auth_type":        u.AuthType,
		"can_download":     u.CanDownload,
		"is_admin":         u.IsAdmin,
		"recovery_enabled": u.RecoveryEnabled,
		"created_at":       u.CreatedAt,
		"last_login":       lastLogin,
	}
}

func notificationJSON(n *store.Notification) map[string]any {
	return map[string]any{
		"id":          n.ID,
		"message":     n.Message,
		"type":        n.Type,
		"priority":    n.Priority,
		"dismissable": n.Dismissable,
		"created_at":  n.CreatedAt,
	}
}
