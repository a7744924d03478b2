package api

import (
	"encoding/base64"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/thebosco/library-server/internal/pending"
	"github.com/thebosco/library-server/internal/store"
	"github.com/thebosco/library-server/internal/totp"
	"github.com/thebosco/library-server/internal/user"
)

type registerStartRequest struct {
	Username string `json:"username"`
}

// handleRegisterStart opens a pending registration for a username. The verify
// token is returned inline in dev mode; production delivers it out-of-band.
// Starting a registration never reveals whether the username is taken; the
// conflict surfaces at verification, inside the creation transaction.
func (s *Server) handleRegisterStart(w http.ResponseWriter, r *http.Request) {
	var req registerStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := user.ValidateUsername(req.Username); err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	_, raw, err := s.regs.Create(r.Context(), req.Username)
	if err != nil {
		s.log.Error("creating pending registration failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := map[string]any{
		"success": true,
		"message": "Registration started. Complete verification within 15 minutes.",
	}
	if s.cfg.DevMode {
		resp["verify_token"] = raw
	}
	JSON(w, http.StatusOK, resp)
}

type registerVerifyRequest struct {
	Token         string `json:"token"`
	AuthType      string `json:"auth_type"`
	RecoveryEmail string `json:"recovery_email"`
	RecoveryPhone string `json:"recovery_phone"`
	IncludeQR     bool   `json:"include_qr"`
}

// handleRegisterVerify redeems a registration token and creates the account:
// TOTP secret, provisioning URI, and the initial backup-code set, all in one
// transaction with the token consumption.
func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	var req registerVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		ErrBadRequest(w, "token is required")
		return
	}
	if req.AuthType != string(store.AuthTOTP) {
		ErrBadRequest(w, "Unsupported auth_type")
		return
	}

	reg, err := s.regs.GetByToken(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			ErrBadRequest(w, "Invalid or expired token")
			return
		}
		s.log.Error("resolving registration token failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	secret, err := s.totp.GenerateSecret()
	if err != nil {
		s.log.Error("generating totp secret failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	u := &store.User{
		Username:       reg.Username,
		AuthType:       store.AuthTOTP,
		AuthCredential: secret,
		CanDownload:    true,
		RecoveryEmail:  store.EncryptedString(req.RecoveryEmail),
		RecoveryPhone:  store.EncryptedString(req.RecoveryPhone),
	}

	var (
		backupCodes []string
		conflict    bool
	)
	err = s.store.Tx(r.Context(), func(tx *gorm.DB) error {
		taken, err := s.users.UsernameExistsTx(tx, reg.Username)
		if err != nil {
			return err
		}
		if taken {
			conflict = true
			return errAbortTx
		}
		if err := s.regs.ConsumeTx(tx, reg); err != nil {
			return err
		}
		if err := s.users.SaveTx(tx, u); err != nil {
			return err
		}
		backupCodes, err = s.codes.CreateForUserTx(tx, u.ID)
		return err
	})
	if err != nil {
		if conflict {
			ErrConflict(w, "Username already taken")
			return
		}
		s.log.Error("registration transaction failed", zap.String("username", reg.Username), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := map[string]any{
		"success":          true,
		"user":             userJSON(u),
		"totp_secret":      totp.Base32Secret(secret),
		"provisioning_uri": s.totp.ProvisioningURI(secret, u.Username),
		"backup_codes":     backupCodes,
	}
	if !u.RecoveryEnabled {
		resp["warnings"] = []string{
			"No recovery contact set. Store your backup codes securely; they are the only way back into this account.",
		}
	}
	if req.IncludeQR {
		png, err := s.totp.QRCodePNG(secret, u.Username)
		if err != nil {
			s.log.Warn("rendering provisioning qr failed", zap.Error(err))
		} else {
			resp["totp_qr"] = base64.StdEncoding.EncodeToString(png)
		}
	}
	JSON(w, http.StatusOK, resp)
}

// errAbortTx rolls back a transaction for a reason the handler translates
// itself (e.g. a username conflict) rather than a store failure.
var errAbortTx = errors.New("api: transaction aborted")
