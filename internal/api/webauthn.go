package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/thebosco/library-server/internal/user"
	"github.com/thebosco/library-server/internal/webauthn"
)

// handleWebAuthnRegisterBegin issues creation options for adding a security
// key to the current account.
func (s *Server) handleWebAuthnRegisterBegin(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())

	opts, err := s.webauthn.BeginRegistration(r.Context(), p.user)
	if err != nil {
		s.log.Error("webauthn registration begin failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"publicKey": opts})
}

// handleWebAuthnRegisterComplete verifies the attestation and stores the
// credential.
func (s *Server) handleWebAuthnRegisterComplete(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())

	var resp webauthn.AttestationResponse
	if !decodeJSON(w, r, &resp) {
		return
	}

	cred, err := s.webauthn.FinishRegistration(r.Context(), p.user, &resp)
	if err != nil {
		if errors.Is(err, webauthn.ErrCeremonyFailed) {
			ErrBadRequest(w, "Registration verification failed")
			return
		}
		s.log.Error("webauthn registration failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"credential_id": cred.ID,
	})
}

type webauthnLoginBeginRequest struct {
	Username string `json:"username"`
}

// handleWebAuthnLoginBegin issues assertion options. Unknown usernames and
// users without credentials both collapse to the generic 401.
func (s *Server) handleWebAuthnLoginBegin(w http.ResponseWriter, r *http.Request) {
	var req webauthnLoginBeginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		ErrBadRequest(w, "username is required")
		return
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			ErrInvalidCredentials(w)
			return
		}
		s.log.Error("webauthn login lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	opts, err := s.webauthn.BeginLogin(r.Context(), u)
	if err != nil {
		if errors.Is(err, webauthn.ErrNoCredentials) {
			ErrInvalidCredentials(w)
			return
		}
		s.log.Error("webauthn login begin failed", zap.Int64("user_id", u.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"publicKey": opts})
}

type webauthnLoginCompleteRequest struct {
	Username  string                      `json:"username"`
	Assertion *webauthn.AssertionResponse `json:"assertion"`
}

// handleWebAuthnLoginComplete verifies the assertion and opens a session.
// A clone-suspected credential has already been revoked and the user's
// sessions purged by the time the generic 401 goes out.
func (s *Server) handleWebAuthnLoginComplete(w http.ResponseWriter, r *http.Request) {
	var req webauthnLoginCompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.Assertion == nil {
		ErrBadRequest(w, "username and assertion are required")
		return
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			s.observeLogin("webauthn", false)
			ErrInvalidCredentials(w)
			return
		}
		s.log.Error("webauthn login lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	_, err = s.webauthn.FinishLogin(r.Context(), u, req.Assertion)
	if err != nil {
		switch {
		case errors.Is(err, webauthn.ErrCloneSuspected), errors.Is(err, webauthn.ErrCeremonyFailed):
			s.observeLogin("webauthn", false)
			ErrInvalidCredentials(w)
		default:
			s.log.Error("webauthn login failed", zap.Int64("user_id", u.ID), zap.Error(err))
			ErrInternal(w)
		}
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

	s.observeLogin("webauthn", true)
	s.setSessionCookie(w, raw, 0)
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userJSON(u),
	})
}
