package backupcode

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebosco/library-server/internal/store"
)

func newTestVault(t *testing.T) (*Vault, *store.Store) {
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
	return NewVault(st, clock, zap.NewNop()), st
}

func seedUser(t *testing.T, st *store.Store, name string) int64 {
	t.Helper()
	u := &store.User{Username: name, AuthType: store.AuthTOTP, CreatedAt: time.Now()}
	require.NoError(t, st.DB().Create(u).Error)
	return u.ID
}

var codeFormat = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

func TestCreateForUser(t *testing.T) {
	v, st := newTestVault(t)
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	codes, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)
	require.Len(t, codes, NumCodes)

	seen := make(map[string]bool)
	for _, c := range codes {
		assert.Regexp(t, codeFormat, c)
		assert.False(t, seen[c], "codes must be unique")
		seen[c] = true
	}

	n, err := v.RemainingCount(ctx, uid)
	require.NoError(t, err)
	assert.EqualValues(t, NumCodes, n)
}

func TestVerifyAndConsumeExactlyOnce(t *testing.T) {
	v, st := newTestVault(t)
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	codes, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)

	ok, err := v.VerifyAndConsume(ctx, uid, codes[0])
	require.NoError(t, err)
	assert.True(t, ok)

	// Same code again must fail.
	ok, err = v.VerifyAndConsume(ctx, uid, codes[0])
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := v.RemainingCount(ctx, uid)
	require.NoError(t, err)
	assert.EqualValues(t, NumCodes-1, n)
}

func TestVerifyNormalizesInput(t *testing.T) {
	v, st := newTestVault(t)
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	codes, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)

	// Lowercase, no hyphens, embedded spaces.
	mangled := " " + Normalize(codes[0])[:8] + " " + Normalize(codes[0])[8:] + " "
	ok, err := v.VerifyAndConsume(ctx, uid, mangled)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWrongCode(t *testing.T) {
	v, st := newTestVault(t)
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	_, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)

	ok, err := v.VerifyAndConsume(ctx, uid, "AAAA-AAAA-AAAA-AAAA")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = v.VerifyAndConsume(ctx, uid, "too-short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailedAttemptCostMatchesDecoy(t *testing.T) {
	v, st := newTestVault(t)
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	codes, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)

	// Shrink the active set so the miss path has fewer stored hashes to
	// compare than a full one.
	for _, c := range codes[:3] {
		ok, err := v.VerifyAndConsume(ctx, uid, c)
		require.NoError(t, err)
		require.True(t, ok)
	}

	start := time.Now()
	ok, err := v.VerifyAndConsume(ctx, uid, "ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	require.NoError(t, err)
	require.False(t, ok)
	missCost := time.Since(start)

	start = time.Now()
	v.VerifyDecoy("ZZZZ-ZZZZ-ZZZZ-ZZZZ")
	decoyCost := time.Since(start)

	// Both paths burn a full set's worth of KDF comparisons, so the
	// latency of a failed attempt reveals neither whether the username
	// resolved nor how many codes remain unused.
	ratio := float64(missCost) / float64(decoyCost)
	assert.Greater(t, ratio, 0.25, "miss path suspiciously cheap: %v vs decoy %v", missCost, decoyCost)
	assert.Less(t, ratio, 4.0, "miss path suspiciously expensive: %v vs decoy %v", missCost, decoyCost)
}

func TestRegenerateReplacesUnusedOnly(t *testing.T) {
	v, st := newTestVault(t)
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	first, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)

	ok, err := v.VerifyAndConsume(ctx, uid, first[0])
	require.NoError(t, err)
	require.True(t, ok)

	second, err := v.CreateForUser(ctx, uid)
	require.NoError(t, err)
	require.Len(t, second, NumCodes)

	// Old unused codes are gone.
	ok, err = v.VerifyAndConsume(ctx, uid, first[1])
	require.NoError(t, err)
	assert.False(t, ok)

	// New sets are disjoint from the old.
	oldSet := make(map[string]bool, len(first))
	for _, c := range first {
		oldSet[c] = true
	}
	for _, c := range second {
		assert.False(t, oldSet[c])
	}

	// Consumed rows survive regeneration for the audit trail.
	var used int64
	require.NoError(t, st.DB().Model(&store.BackupCode{}).
		Where("user_id = ? AND used_at IS NOT NULL", uid).
		Count(&used).Error)
	assert.EqualValues(t, 1, used)
}

func TestPHCRoundTrip(t *testing.T) {
	h, err := hashCode("ABCDEFGH12345678")
	require.NoError(t, err)
	assert.Contains(t, h, "$argon2id$v=19$")

	assert.True(t, verifyHash(h, "ABCDEFGH12345678"))
	assert.False(t, verifyHash(h, "ABCDEFGH12345679"))
	assert.False(t, verifyHash("$argon2id$garbage", "ABCDEFGH12345678"))
}
