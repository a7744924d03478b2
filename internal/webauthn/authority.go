// Package webauthn implements the server side of the WebAuthn/FIDO2
// ceremonies: challenge issuance, attestation verification at registration,
// assertion verification at login, and the credential registry with its
// monotonic sign counter. Only "none" attestation and EC2/P-256/ES256 keys
// are accepted. A sign-counter regression is treated as a cloned credential:
// the credential is revoked, the user's sessions are invalidated, and a
// security notification is queued.
package webauthn

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fxamacker/cbor/v2"

	"github.com/thebosco/library-server/internal/notify"
	"github.com/thebosco/library-server/internal/session"
	"github.com/thebosco/library-server/internal/store"
)

const (
	challengeBytes = 32
	challengeTTL   = 5 * time.Minute

	// purposes bind a challenge to the ceremony it was issued for.
	purposeRegister = "register"
	purposeLogin    = "login"
)

var (
	// ErrCeremonyFailed covers every verification failure: mismatched
	// challenge, wrong origin, bad signature, unknown credential. Callers
	// surface it as a single opaque authentication error.
	ErrCeremonyFailed = errors.New("webauthn: ceremony verification failed")

	// ErrCloneSuspected is returned when an assertion carries a
	// non-advancing sign counter. By the time it is returned the
	// credential is revoked and the user's sessions are gone.
	ErrCloneSuspected = errors.New("webauthn: sign counter regression, credential revoked")

	// ErrNoCredentials is returned from BeginLogin when the user has no
	// registered, unrevoked credentials.
	ErrNoCredentials = errors.New("webauthn: no registered credentials")
)

// Config carries the relying-party identity. Origin is compared exactly.
type Config struct {
	RPID   string // e.g. "audiobooks.thebosco.club"
	RPName string // human-readable, shown by authenticators
	Origin string // e.g. "https://audiobooks.thebosco.club"
}

// Authority is the server-side ceremony engine.
type Authority struct {
	cfg      Config
	store    *store.Store
	sessions *session.Manager
	notify   *notify.Service
	clock    clockwork.Clock
	log      *zap.Logger
}

// NewAuthority returns an Authority. sessions and notify are used by the
// clone-detection path.
func NewAuthority(cfg Config, st *store.Store, sessions *session.Manager, notifier *notify.Service, clock clockwork.Clock, logger *zap.Logger) *Authority {
	return &Authority{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		notify:   notifier,
		clock:    clock,
		log:      logger.Named("webauthn"),
	}
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

// CredentialCreationOptions is the payload for navigator.credentials.create.
type CredentialCreationOptions struct {
	Challenge        string           `json:"challenge"` // base64url, no padding
	RP               RPEntity         `json:"rp"`
	User             UserEntity       `json:"user"`
	PubKeyCredParams []CredParam      `json:"pubKeyCredParams"`
	Timeout          int              `json:"timeout"` // milliseconds
	Attestation      string           `json:"attestation"`
	AuthenticatorSel AuthenticatorSel `json:"authenticatorSelection"`
}

// CredentialRequestOptions is the payload for navigator.credentials.get.
type CredentialRequestOptions struct {
	Challenge        string           `json:"challenge"`
	RPID             string           `json:"rpId"`
	AllowCredentials []CredDescriptor `json:"allowCredentials"`
	Timeout          int              `json:"timeout"`
	UserVerification string           `json:"userVerification"`
}

type RPEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UserEntity struct {
	ID          string `json:"id"` // base64url of the numeric user id
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type CredParam struct {
	Type string `json:"type"`
	Alg  int    `json:"alg"`
}

type CredDescriptor struct {
	Type string `json:"type"`
	ID   string `json:"id"` // base64url credential id
}

type AuthenticatorSel struct {
	UserVerification string `json:"userVerification"`
}

// AttestationResponse is the client's answer to a registration ceremony.
type AttestationResponse struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AttestationObject string `json:"attestationObject"`
	} `json:"response"`
}

// AssertionResponse is the client's answer to a login ceremony.
type AssertionResponse struct {
	ID       string `json:"id"`
	RawID    string `json:"rawId"`
	Type     string `json:"type"`
	Response struct {
		ClientDataJSON    string `json:"clientDataJSON"`
		AuthenticatorData string `json:"authenticatorData"`
		Signature         string `json:"signature"`
	} `json:"response"`
}

// -----------------------------------------------------------------------------
// Registration ceremony
// -----------------------------------------------------------------------------

// BeginRegistration issues a fresh challenge bound to (user, register) with a
// five-minute TTL and returns the creation options for the client.
func (a *Authority) BeginRegistration(ctx context.Context, u *store.User) (*CredentialCreationOptions, error) {
	challenge, err := a.issueChallenge(ctx, u.ID, purposeRegister)
	if err != nil {
		return nil, err
	}

	userID := make([]byte, 8)
	binary.BigEndian.PutUint64(userID, uint64(u.ID))

	return &CredentialCreationOptions{
		Challenge: b64(challenge),
		RP:        RPEntity{ID: a.cfg.RPID, Name: a.cfg.RPName},
		User: UserEntity{
			ID:          b64(userID),
			Name:        u.Username,
			DisplayName: u.Username,
		},
		PubKeyCredParams: []CredParam{{Type: "public-key", Alg: coseAlgES256}},
		Timeout:          int(challengeTTL / time.Millisecond),
		Attestation:      "none",
		AuthenticatorSel: AuthenticatorSel{UserVerification: "required"},
	}, nil
}

// FinishRegistration verifies the attestation response and persists the new
// credential with sign_count taken from the authenticator data.
func (a *Authority) FinishRegistration(ctx context.Context, u *store.User, resp *AttestationResponse) (*store.WebAuthnCredential, error) {
	if resp.Type != "public-key" {
		return nil, ErrCeremonyFailed
	}

	if _, _, err := a.verifyClientData(ctx, u.ID, purposeRegister, "webauthn.create", resp.Response.ClientDataJSON); err != nil {
		return nil, err
	}

	attRaw, err := b64dec(resp.Response.AttestationObject)
	if err != nil {
		return nil, ErrCeremonyFailed
	}
	var att attestationObject
	if err := cbor.Unmarshal(attRaw, &att); err != nil {
		return nil, ErrCeremonyFailed
	}
	if att.Format != "none" {
		a.log.Warn("rejecting attestation format", zap.String("fmt", att.Format))
		return nil, ErrCeremonyFailed
	}

	ad, err := parseAuthData(att.AuthData, true)
	if err != nil {
		return nil, ErrCeremonyFailed
	}
	if !a.verifyRPIDHash(ad) || !ad.userPresent() || !ad.userVerified() {
		return nil, ErrCeremonyFailed
	}

	rawID, err := b64dec(resp.RawID)
	if err != nil || subtle.ConstantTimeCompare(rawID, ad.CredentialID) != 1 {
		return nil, ErrCeremonyFailed
	}

	// Parse now so a malformed key is rejected at registration rather than
	// at first login.
	if _, err := parseCOSEPublicKey(ad.COSEKey); err != nil {
		return nil, ErrCeremonyFailed
	}

	cred := &store.WebAuthnCredential{
		UserID:       u.ID,
		CredentialID: ad.CredentialID,
		PublicKey:    ad.COSEKey,
		SignCount:    ad.SignCount,
		CreatedAt:    a.clock.Now(),
	}
	if err := a.store.DB().WithContext(ctx).Create(cred).Error; err != nil {
		return nil, fmt.Errorf("webauthn: persisting credential: %w", err)
	}

	return cred, nil
}

// -----------------------------------------------------------------------------
// Authentication ceremony
// -----------------------------------------------------------------------------

// BeginLogin issues a challenge bound to (user, login) and lists the user's
// unrevoked credentials.
func (a *Authority) BeginLogin(ctx context.Context, u *store.User) (*CredentialRequestOptions, error) {
	creds, err := a.credentialsForUser(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrNoCredentials
	}

	challenge, err := a.issueChallenge(ctx, u.ID, purposeLogin)
	if err != nil {
		return nil, err
	}

	allow := make([]CredDescriptor, len(creds))
	for i := range creds {
		allow[i] = CredDescriptor{Type: "public-key", ID: b64(creds[i].CredentialID)}
	}

	return &CredentialRequestOptions{
		Challenge:        b64(challenge),
		RPID:             a.cfg.RPID,
		AllowCredentials: allow,
		Timeout:          int(challengeTTL / time.Millisecond),
		UserVerification: "required",
	}, nil
}

// FinishLogin verifies the assertion, enforces the monotonic sign counter,
// and advances it. A non-advancing counter revokes the credential, purges the
// user's sessions, queues a notification, and returns ErrCloneSuspected.
func (a *Authority) FinishLogin(ctx context.Context, u *store.User, resp *AssertionResponse) (*store.WebAuthnCredential, error) {
	if resp.Type != "public-key" {
		return nil, ErrCeremonyFailed
	}

	_, clientDataRaw, err := a.verifyClientData(ctx, u.ID, purposeLogin, "webauthn.get", resp.Response.ClientDataJSON)
	if err != nil {
		return nil, err
	}

	rawID, err := b64dec(resp.RawID)
	if err != nil {
		return nil, ErrCeremonyFailed
	}

	var cred store.WebAuthnCredential
	err = a.store.DB().WithContext(ctx).
		First(&cred, "credential_id = ? AND user_id = ? AND revoked_at IS NULL", rawID, u.ID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCeremonyFailed
		}
		return nil, fmt.Errorf("webauthn: loading credential: %w", err)
	}

	authDataRaw, err := b64dec(resp.Response.AuthenticatorData)
	if err != nil {
		return nil, ErrCeremonyFailed
	}
	ad, err := parseAuthData(authDataRaw, false)
	if err != nil {
		return nil, ErrCeremonyFailed
	}
	if !a.verifyRPIDHash(ad) || !ad.userPresent() || !ad.userVerified() {
		return nil, ErrCeremonyFailed
	}

	pub, err := parseCOSEPublicKey(cred.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("webauthn: stored key unparseable: %w", err)
	}

	sig, err := b64dec(resp.Response.Signature)
	if err != nil {
		return nil, ErrCeremonyFailed
	}

	// The authenticator signs authData || SHA-256(clientDataJSON).
	clientDataHash := sha256.Sum256(clientDataRaw)
	signed := append(append([]byte{}, authDataRaw...), clientDataHash[:]...)
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return nil, ErrCeremonyFailed
	}

	if ad.SignCount <= cred.SignCount {
		return nil, a.handleCloneSuspected(ctx, &cred)
	}

	if err := a.store.DB().WithContext(ctx).Model(&store.WebAuthnCredential{}).
		Where("id = ?", cred.ID).
		Update("sign_count", ad.SignCount).Error; err != nil {
		return nil, fmt.Errorf("webauthn: advancing sign count: %w", err)
	}
	cred.SignCount = ad.SignCount

	return &cred, nil
}

// handleCloneSuspected revokes the credential and invalidates the user's
// sessions in one transaction, then queues the notification shown on next
// login. Always returns ErrCloneSuspected.
func (a *Authority) handleCloneSuspected(ctx context.Context, cred *store.WebAuthnCredential) error {
	a.log.Warn("sign counter regression, revoking credential",
		zap.Int64("credential_id", cred.ID),
		zap.Int64("user_id", cred.UserID),
	)

	err := a.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Model(&store.WebAuthnCredential{}).
			Where("id = ?", cred.ID).
			Update("revoked_at", a.clock.Now()).Error; err != nil {
			return fmt.Errorf("webauthn: revoking credential: %w", err)
		}
		return a.sessions.InvalidateUserSessionsTx(tx, cred.UserID)
	})
	if err != nil {
		a.log.Error("failed to revoke cloned credential", zap.Error(err))
		return err
	}

	if err := a.notify.NotifyCloneSuspected(ctx, cred.UserID); err != nil {
		a.log.Error("failed to queue clone notification", zap.Error(err))
	}

	return ErrCloneSuspected
}

// -----------------------------------------------------------------------------
// Challenges
// -----------------------------------------------------------------------------

// issueChallenge replaces any outstanding challenge for (user, purpose) with
// a fresh 32-byte random one.
func (a *Authority) issueChallenge(ctx context.Context, userID int64, purpose string) ([]byte, error) {
	challenge := make([]byte, challengeBytes)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("webauthn: generating challenge: %w", err)
	}

	row := &store.WebAuthnChallenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Purpose:   purpose,
		Challenge: challenge,
		ExpiresAt: a.clock.Now().Add(challengeTTL),
	}

	err := a.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND purpose = ?", userID, purpose).
			Delete(&store.WebAuthnChallenge{}).Error; err != nil {
			return fmt.Errorf("webauthn: replacing challenge: %w", err)
		}
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("webauthn: storing challenge: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return challenge, nil
}

// consumeChallenge deletes and returns success iff an unexpired challenge for
// (user, purpose) matches the presented value. Single-use.
func (a *Authority) consumeChallenge(ctx context.Context, userID int64, purpose string, presented []byte) error {
	var row store.WebAuthnChallenge
	err := a.store.DB().WithContext(ctx).
		First(&row, "user_id = ? AND purpose = ?", userID, purpose).Error
	if err != nil {
		return ErrCeremonyFailed
	}

	defer func() {
		if err := a.store.DB().WithContext(ctx).Delete(&store.WebAuthnChallenge{}, "id = ?", row.ID).Error; err != nil {
			a.log.Warn("failed to delete consumed challenge", zap.String("id", row.ID), zap.Error(err))
		}
	}()

	if a.clock.Now().After(row.ExpiresAt) {
		return ErrCeremonyFailed
	}
	if subtle.ConstantTimeCompare(row.Challenge, presented) != 1 {
		return ErrCeremonyFailed
	}
	return nil
}

// verifyClientData decodes clientDataJSON and checks type, origin, and the
// bound challenge. Returns the parsed struct and the raw bytes (needed for
// the assertion signature base).
func (a *Authority) verifyClientData(ctx context.Context, userID int64, purpose, wantType, encoded string) (*clientData, []byte, error) {
	raw, err := b64dec(encoded)
	if err != nil {
		return nil, nil, ErrCeremonyFailed
	}
	var cd clientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return nil, nil, ErrCeremonyFailed
	}
	if cd.Type != wantType {
		return nil, nil, ErrCeremonyFailed
	}
	if cd.Origin != a.cfg.Origin {
		a.log.Warn("origin mismatch in ceremony", zap.String("origin", cd.Origin))
		return nil, nil, ErrCeremonyFailed
	}

	presented, err := b64dec(cd.Challenge)
	if err != nil {
		return nil, nil, ErrCeremonyFailed
	}
	if err := a.consumeChallenge(ctx, userID, purpose, presented); err != nil {
		return nil, nil, err
	}

	return &cd, raw, nil
}

func (a *Authority) verifyRPIDHash(ad *authenticatorData) bool {
	want := sha256.Sum256([]byte(a.cfg.RPID))
	return subtle.ConstantTimeCompare(ad.RPIDHash, want[:]) == 1
}

// credentialsForUser lists unrevoked credentials.
func (a *Authority) credentialsForUser(ctx context.Context, userID int64) ([]store.WebAuthnCredential, error) {
	var creds []store.WebAuthnCredential
	err := a.store.DB().WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Find(&creds).Error
	if err != nil {
		return nil, fmt.Errorf("webauthn: listing credentials: %w", err)
	}
	return creds, nil
}

// DeleteExpiredChallenges removes stale ceremony challenges; called by the
// background reaper.
func (a *Authority) DeleteExpiredChallenges(ctx context.Context) (int64, error) {
	res := a.store.DB().WithContext(ctx).
		Where("expires_at < ?", a.clock.Now()).
		Delete(&store.WebAuthnChallenge{})
	if res.Error != nil {
		return 0, fmt.Errorf("webauthn: deleting expired challenges: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// b64 is base64url without padding, the encoding WebAuthn uses on the wire.
func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func b64dec(s string) ([]byte, error) {
	// Tolerate padded input from clients that include it.
	if n := len(s) % 4; n != 0 {
		return base64.RawURLEncoding.DecodeString(s)
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
