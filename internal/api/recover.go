package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/thebosco/library-server/internal/mail"
	"github.com/thebosco/library-server/internal/pending"
	"github.com/thebosco/library-server/internal/store"
	"github.com/thebosco/library-server/internal/totp"
	"github.com/thebosco/library-server/internal/user"
)

type recoverBackupCodeRequest struct {
	Username   string `json:"username"`
	BackupCode string `json:"backup_code"`
}

// handleRecoverBackupCode redeems one backup code for a full account reset:
// in a single transaction the code is consumed, the TOTP secret rotated, the
// backup-code set regenerated, and every session invalidated. A failure at
// any step rolls the whole sequence back, restoring the consumed code.
// Unknown usernames run a decoy verification so the response cost matches.
func (s *Server) handleRecoverBackupCode(w http.ResponseWriter, r *http.Request) {
	var req recoverBackupCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || req.BackupCode == "" {
		ErrBadRequest(w, "username and backup_code are required")
		return
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			s.codes.VerifyDecoy(req.BackupCode)
			s.observeLogin("backup_code", false)
			errJSON(w, http.StatusUnauthorized, msgInvalidRecovery)
			return
		}
		s.log.Error("recovery lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	var (
		consumed     bool
		remainingOld int64
		newCodes     []string
		secret       []byte
	)
	err = s.store.Tx(r.Context(), func(tx *gorm.DB) error {
		var txErr error
		consumed, txErr = s.codes.VerifyAndConsumeTx(tx, u.ID, req.BackupCode)
		if txErr != nil {
			return txErr
		}
		if !consumed {
			return errAbortTx
		}

		if txErr = tx.Model(&store.BackupCode{}).
			Where("user_id = ? AND used_at IS NULL", u.ID).
			Count(&remainingOld).Error; txErr != nil {
			return txErr
		}

		secret, txErr = s.totp.GenerateSecret()
		if txErr != nil {
			return txErr
		}
		u.AuthType = store.AuthTOTP
		u.AuthCredential = secret
		if txErr = s.users.SaveTx(tx, u); txErr != nil {
			return txErr
		}

		newCodes, txErr = s.codes.CreateForUserTx(tx, u.ID)
		if txErr != nil {
			return txErr
		}

		return s.sessions.InvalidateUserSessionsTx(tx, u.ID)
	})
	if err != nil && !errors.Is(err, errAbortTx) {
		s.log.Error("recovery transaction failed", zap.Int64("user_id", u.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !consumed {
		s.observeLogin("backup_code", false)
		errJSON(w, http.StatusUnauthorized, msgInvalidRecovery)
		return
	}

	s.observeLogin("backup_code", true)
	JSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"totp_secret":         totp.Base32Secret(secret),
		"provisioning_uri":    s.totp.ProvisioningURI(secret, u.Username),
		"backup_codes":        newCodes,
		"remaining_old_codes": remainingOld,
	})
}

// handleRemainingCodes reports how many unused backup codes the current user
// holds.
func (s *Server) handleRemainingCodes(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())
	n, err := s.codes.RemainingCount(r.Context(), p.user.ID)
	if err != nil {
		s.log.Error("counting backup codes failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"remaining": n})
}

// handleRegenerateCodes replaces the current user's unused backup codes with
// a fresh set.
func (s *Server) handleRegenerateCodes(w http.ResponseWriter, r *http.Request) {
	p := principalFromCtx(r.Context())
	codes, err := s.codes.CreateForUser(r.Context(), p.user.ID)
	if err != nil {
		s.log.Error("regenerating backup codes failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"backup_codes": codes,
	})
}

type updateContactRequest struct {
	RecoveryEmail *string `json:"recovery_email"`
	RecoveryPhone *string `json:"recovery_phone"`
}

// handleUpdateContact sets or clears the recovery contact fields. An omitted
// field is left untouched; an empty string clears it. recovery_enabled is
// recomputed on save.
func (s *Server) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var req updateContactRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p := principalFromCtx(r.Context())

	if req.RecoveryEmail != nil {
		p.user.RecoveryEmail = store.EncryptedString(*req.RecoveryEmail)
	}
	if req.RecoveryPhone != nil {
		p.user.RecoveryPhone = store.EncryptedString(*req.RecoveryPhone)
	}

	if err := s.users.Save(r.Context(), p.user); err != nil {
		s.log.Error("updating recovery contact failed", zap.Int64("user_id", p.user.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"recovery_enabled": p.user.RecoveryEnabled,
	})
}

type magicLinkRequest struct {
	Username string `json:"username"`
}

// handleMagicLink starts email recovery. The response body is identical
// whether or not the username resolves, has recovery enabled, or the email
// send succeeds; delivery failures are only logged.
func (s *Server) handleMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" {
		ErrBadRequest(w, "username is required")
		return
	}

	generic := map[string]any{
		"success": true,
		"message": msgMagicLinkGeneric,
	}

	u, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if !errors.Is(err, user.ErrNotFound) {
			s.log.Error("magic-link lookup failed", zap.Error(err))
		}
		JSON(w, http.StatusOK, generic)
		return
	}
	if !u.RecoveryEnabled || u.RecoveryEmail == "" {
		JSON(w, http.StatusOK, generic)
		return
	}

	_, raw, err := s.recs.Create(r.Context(), u.ID)
	if err != nil {
		s.log.Error("creating pending recovery failed", zap.Int64("user_id", u.ID), zap.Error(err))
		JSON(w, http.StatusOK, generic)
		return
	}

	if err := s.mailer.SendMagicLink(r.Context(), string(u.RecoveryEmail), u.Username, raw); err != nil {
		if errors.Is(err, mail.ErrNotConfigured) {
			s.log.Warn("magic-link requested but smtp not configured", zap.Int64("user_id", u.ID))
		} else {
			s.log.Error("magic-link delivery failed", zap.Int64("user_id", u.ID), zap.Error(err))
		}
	}

	JSON(w, http.StatusOK, generic)
}

type magicLinkVerifyRequest struct {
	Token string `json:"token"`
}

// handleMagicLinkVerify redeems a magic-link token and opens a persistent
// session.
func (s *Server) handleMagicLinkVerify(w http.ResponseWriter, r *http.Request) {
	var req magicLinkVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		ErrBadRequest(w, "token is required")
		return
	}

	rec, err := s.recs.GetByToken(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			s.observeLogin("magic_link", false)
			errJSON(w, http.StatusUnauthorized, "Invalid or expired link")
			return
		}
		s.log.Error("resolving recovery token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	u, err := s.users.GetByID(r.Context(), rec.UserID)
	if err != nil {
		s.log.Error("recovery user lookup failed", zap.Int64("user_id", rec.UserID), zap.Error(err))
		s.observeLogin("magic_link", false)
		errJSON(w, http.StatusUnauthorized, "Invalid or expired link")
		return
	}

	err = s.store.Tx(r.Context(), func(tx *gorm.DB) error {
		return s.recs.MarkUsedTx(tx, rec)
	})
	if err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			// Lost the race to another redemption.
			s.observeLogin("magic_link", false)
			errJSON(w, http.StatusUnauthorized, "Invalid or expired link")
			return
		}
		s.log.Error("marking recovery used failed", zap.Int64("id", rec.ID), zap.Error(err))
		ErrInternal(w)
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

	s.observeLogin("magic_link", true)
	s.setSessionCookie(w, raw, magicLinkCookieMaxAge)
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userJSON(u),
	})
}
