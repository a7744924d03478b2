package webauthn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebosco/library-server/internal/notify"
	"github.com/thebosco/library-server/internal/session"
	"github.com/thebosco/library-server/internal/store"
	"github.com/thebosco/library-server/internal/webauthn/softauthn"
)

const (
	testRPID   = "library.example.com"
	testOrigin = "https://library.example.com"
)

type fixture struct {
	authority *Authority
	sessions  *session.Manager
	notify    *notify.Service
	store     *store.Store
	clock     *clockwork.FakeClock
	user      *store.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(store.Config{
		Path:     filepath.Join(dir, "auth.db"),
		KeyPath:  filepath.Join(dir, "auth.key"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	logger := zap.NewNop()
	sessions := session.NewManager(st, clock, logger)
	notifier := notify.NewService(st, clock, logger)

	u := &store.User{Username: "alice1", AuthType: store.AuthTOTP, CreatedAt: clock.Now()}
	require.NoError(t, st.DB().Create(u).Error)

	return &fixture{
		authority: NewAuthority(Config{RPID: testRPID, RPName: "Library", Origin: testOrigin},
			st, sessions, notifier, clock, logger),
		sessions: sessions,
		notify:   notifier,
		store:    st,
		clock:    clock,
		user:     u,
	}
}

// register runs the full registration ceremony through the software
// authenticator and returns the stored credential.
func (f *fixture) register(t *testing.T, auth *softauthn.Authenticator) *store.WebAuthnCredential {
	t.Helper()
	ctx := context.Background()

	opts, err := f.authority.BeginRegistration(ctx, f.user)
	require.NoError(t, err)

	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)
	att, err := auth.MakeCredential(optsJSON, testOrigin)
	require.NoError(t, err)

	cred, err := f.authority.FinishRegistration(ctx, f.user, toAttestation(t, att))
	require.NoError(t, err)
	return cred
}

// login runs the full assertion ceremony.
func (f *fixture) login(t *testing.T, auth *softauthn.Authenticator) (*store.WebAuthnCredential, error) {
	t.Helper()
	ctx := context.Background()

	opts, err := f.authority.BeginLogin(ctx, f.user)
	require.NoError(t, err)

	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)
	as, err := auth.GetAssertion(optsJSON, testOrigin)
	require.NoError(t, err)

	return f.authority.FinishLogin(ctx, f.user, toAssertion(t, as))
}

func toAttestation(t *testing.T, att *softauthn.Attestation) *AttestationResponse {
	t.Helper()
	raw, err := json.Marshal(att)
	require.NoError(t, err)
	var resp AttestationResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func toAssertion(t *testing.T, as *softauthn.Assertion) *AssertionResponse {
	t.Helper()
	raw, err := json.Marshal(as)
	require.NoError(t, err)
	var resp AssertionResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func TestRegistrationCeremony(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()

	cred := f.register(t, auth)
	assert.Equal(t, f.user.ID, cred.UserID)
	assert.NotEmpty(t, cred.CredentialID)
	assert.NotEmpty(t, cred.PublicKey)
	assert.Zero(t, cred.SignCount)
	assert.Nil(t, cred.RevokedAt)
}

func TestRegistrationRejectsWrongOrigin(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()
	ctx := context.Background()

	opts, err := f.authority.BeginRegistration(ctx, f.user)
	require.NoError(t, err)

	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)
	att, err := auth.MakeCredential(optsJSON, "https://evil.example.com")
	require.NoError(t, err)

	_, err = f.authority.FinishRegistration(ctx, f.user, toAttestation(t, att))
	assert.True(t, errors.Is(err, ErrCeremonyFailed))
}

func TestChallengeIsSingleUse(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()
	ctx := context.Background()

	opts, err := f.authority.BeginRegistration(ctx, f.user)
	require.NoError(t, err)
	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)
	att, err := auth.MakeCredential(optsJSON, testOrigin)
	require.NoError(t, err)

	_, err = f.authority.FinishRegistration(ctx, f.user, toAttestation(t, att))
	require.NoError(t, err)

	// Replaying the same attestation fails: the challenge is consumed.
	_, err = f.authority.FinishRegistration(ctx, f.user, toAttestation(t, att))
	assert.True(t, errors.Is(err, ErrCeremonyFailed))
}

func TestChallengeExpiry(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()
	ctx := context.Background()

	opts, err := f.authority.BeginRegistration(ctx, f.user)
	require.NoError(t, err)
	optsJSON, err := json.Marshal(opts)
	require.NoError(t, err)
	att, err := auth.MakeCredential(optsJSON, testOrigin)
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)

	_, err = f.authority.FinishRegistration(ctx, f.user, toAttestation(t, att))
	assert.True(t, errors.Is(err, ErrCeremonyFailed))
}

func TestLoginAdvancesSignCount(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()
	f.register(t, auth)

	cred, err := f.login(t, auth)
	require.NoError(t, err)
	assert.EqualValues(t, 1, cred.SignCount)

	cred, err = f.login(t, auth)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cred.SignCount)
}

func TestBeginLoginWithoutCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.authority.BeginLogin(context.Background(), f.user)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestCloneDetection(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()
	ctx := context.Background()

	reg := f.register(t, auth)
	_, err := f.login(t, auth)
	require.NoError(t, err)

	// The user holds a session that must be purged on clone suspicion.
	_, rawToken, err := f.sessions.CreateForUser(ctx, f.user.ID, "", "")
	require.NoError(t, err)

	// Roll the authenticator's counter back, as a cloned device would
	// present after the original was used.
	require.NoError(t, auth.SetSignCount(reg.CredentialID, 0))

	_, err = f.login(t, auth)
	assert.True(t, errors.Is(err, ErrCloneSuspected))

	// Credential revoked.
	var cred store.WebAuthnCredential
	require.NoError(t, f.store.DB().First(&cred, reg.ID).Error)
	assert.NotNil(t, cred.RevokedAt)

	// Sessions invalidated.
	_, err = f.sessions.GetByToken(ctx, rawToken)
	assert.True(t, errors.Is(err, session.ErrNotFound))

	// Security notification queued.
	ns, err := f.notify.ActiveForUser(ctx, f.user.ID)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "security", ns[0].Type)

	// A revoked credential is unusable even with a fresh counter.
	_, err = f.authority.BeginLogin(ctx, f.user)
	assert.True(t, errors.Is(err, ErrNoCredentials))
}

func TestStoredSignCountIsMonotonic(t *testing.T) {
	f := newFixture(t)
	auth := softauthn.New()
	f.register(t, auth)

	var last uint32
	for i := 0; i < 5; i++ {
		cred, err := f.login(t, auth)
		require.NoError(t, err)
		assert.Greater(t, cred.SignCount, last)
		last = cred.SignCount
	}
}

func TestParseCOSERejectsForeignKeys(t *testing.T) {
	// RSA kty (3) must be rejected even if otherwise well formed.
	_, err := parseCOSEPublicKey([]byte{0xa1, 0x01, 0x03})
	assert.Error(t, err)

	_, err = parseCOSEPublicKey([]byte("not cbor at all"))
	assert.Error(t, err)
}

func TestB64DecodeTolerance(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0x05}

	unpadded := base64.RawURLEncoding.EncodeToString(raw)
	got, err := b64dec(unpadded)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	padded := base64.URLEncoding.EncodeToString(raw)
	got, err = b64dec(padded)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}
