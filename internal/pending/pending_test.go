package pending

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebosco/library-server/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *clockwork.FakeClock) {
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
	return st, clockwork.NewFakeClockAt(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
}

func seedUser(t *testing.T, st *store.Store, name string) int64 {
	t.Helper()
	u := &store.User{Username: name, AuthType: store.AuthTOTP, CreatedAt: time.Now()}
	require.NoError(t, st.DB().Create(u).Error)
	return u.ID
}

func TestRegistrationLifecycle(t *testing.T) {
	st, clock := newTestStore(t)
	regs := NewRegistrations(st, clock, zap.NewNop())
	ctx := context.Background()

	reg, raw, err := regs.Create(ctx, "alice1")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)
	assert.NotEqual(t, raw, reg.TokenHash)

	got, err := regs.GetByToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "alice1", got.Username)

	_, err = regs.GetByToken(ctx, "bogus")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistrationReplacesPrior(t *testing.T) {
	st, clock := newTestStore(t)
	regs := NewRegistrations(st, clock, zap.NewNop())
	ctx := context.Background()

	_, rawOld, err := regs.Create(ctx, "alice1")
	require.NoError(t, err)
	_, rawNew, err := regs.Create(ctx, "alice1")
	require.NoError(t, err)

	_, err = regs.GetByToken(ctx, rawOld)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = regs.GetByToken(ctx, rawNew)
	assert.NoError(t, err)

	var n int64
	require.NoError(t, st.DB().Model(&store.PendingRegistration{}).
		Where("username = ?", "alice1").Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestRegistrationExpiry(t *testing.T) {
	st, clock := newTestStore(t)
	regs := NewRegistrations(st, clock, zap.NewNop())
	ctx := context.Background()

	_, raw, err := regs.Create(ctx, "alice1")
	require.NoError(t, err)

	clock.Advance(TTL + time.Second)

	_, err = regs.GetByToken(ctx, raw)
	assert.True(t, errors.Is(err, ErrNotFound))

	// Lazily reaped on access.
	var n int64
	require.NoError(t, st.DB().Model(&store.PendingRegistration{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestRegistrationConsumeUnreachable(t *testing.T) {
	st, clock := newTestStore(t)
	regs := NewRegistrations(st, clock, zap.NewNop())
	ctx := context.Background()

	reg, raw, err := regs.Create(ctx, "alice1")
	require.NoError(t, err)

	require.NoError(t, st.Tx(ctx, func(tx *gorm.DB) error {
		return regs.ConsumeTx(tx, reg)
	}))

	_, err = regs.GetByToken(ctx, raw)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecoverySingleUse(t *testing.T) {
	st, clock := newTestStore(t)
	recs := NewRecoveries(st, clock, zap.NewNop())
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	rec, raw, err := recs.Create(ctx, uid)
	require.NoError(t, err)

	got, err := recs.GetByToken(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, uid, got.UserID)

	require.NoError(t, st.Tx(ctx, func(tx *gorm.DB) error {
		return recs.MarkUsedTx(tx, rec)
	}))

	// Used tokens read as absent.
	_, err = recs.GetByToken(ctx, raw)
	assert.True(t, errors.Is(err, ErrNotFound))

	// Marking used twice fails: two racing redemptions have one winner.
	err = st.Tx(ctx, func(tx *gorm.DB) error {
		return recs.MarkUsedTx(tx, rec)
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecoveryReplacesPriorAndExpires(t *testing.T) {
	st, clock := newTestStore(t)
	recs := NewRecoveries(st, clock, zap.NewNop())
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	_, rawOld, err := recs.Create(ctx, uid)
	require.NoError(t, err)
	_, rawNew, err := recs.Create(ctx, uid)
	require.NoError(t, err)

	_, err = recs.GetByToken(ctx, rawOld)
	assert.True(t, errors.Is(err, ErrNotFound))

	clock.Advance(TTL + time.Second)
	_, err = recs.GetByToken(ctx, rawNew)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteExpired(t *testing.T) {
	st, clock := newTestStore(t)
	regs := NewRegistrations(st, clock, zap.NewNop())
	recs := NewRecoveries(st, clock, zap.NewNop())
	uid := seedUser(t, st, "alice1")
	ctx := context.Background()

	_, _, err := regs.Create(ctx, "bobby1")
	require.NoError(t, err)
	_, _, err = recs.Create(ctx, uid)
	require.NoError(t, err)

	clock.Advance(TTL + time.Second)

	nRegs, err := regs.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, nRegs)

	nRecs, err := recs.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, nRecs)
}
