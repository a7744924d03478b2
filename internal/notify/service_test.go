package notify

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
	gormlogger "gorm.io/gorm/logger"

	"github.com/thebosco/library-server/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *clockwork.FakeClock) {
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
	return NewService(st, clock, zap.NewNop()), st, clock
}

func seedUser(t *testing.T, st *store.Store, name string) int64 {
	t.Helper()
	u := &store.User{Username: name, AuthType: store.AuthTOTP, CreatedAt: time.Now()}
	require.NoError(t, st.DB().Create(u).Error)
	return u.ID
}

func TestTargetedAndBroadcastVisibility(t *testing.T) {
	svc, st, _ := newTestService(t)
	alice := seedUser(t, st, "alice1")
	bob := seedUser(t, st, "bobby1")
	ctx := context.Background()

	_, err := svc.Create(ctx, &alice, "for alice", "info", 0, true)
	require.NoError(t, err)
	_, err = svc.Create(ctx, nil, "for everyone", "info", 0, true)
	require.NoError(t, err)

	forAlice, err := svc.ActiveForUser(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, forAlice, 2)

	forBob, err := svc.ActiveForUser(ctx, bob)
	require.NoError(t, err)
	require.Len(t, forBob, 1)
	assert.Equal(t, "for everyone", forBob[0].Message)
}

func TestPriorityOrdering(t *testing.T) {
	svc, st, _ := newTestService(t)
	alice := seedUser(t, st, "alice1")
	ctx := context.Background()

	_, err := svc.Create(ctx, &alice, "low", "info", 0, true)
	require.NoError(t, err)
	_, err = svc.Create(ctx, &alice, "high", "security", 100, true)
	require.NoError(t, err)

	ns, err := svc.ActiveForUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, ns, 2)
	assert.Equal(t, "high", ns[0].Message)
}

func TestDismissIsPerUser(t *testing.T) {
	svc, st, _ := newTestService(t)
	alice := seedUser(t, st, "alice1")
	bob := seedUser(t, st, "bobby1")
	ctx := context.Background()

	n, err := svc.Create(ctx, nil, "broadcast", "info", 0, true)
	require.NoError(t, err)

	require.NoError(t, svc.Dismiss(ctx, n.ID, alice))
	// Dismissing twice is a no-op.
	require.NoError(t, svc.Dismiss(ctx, n.ID, alice))

	forAlice, err := svc.ActiveForUser(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, forAlice)

	forBob, err := svc.ActiveForUser(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, forBob, 1)
}

func TestDismissGuards(t *testing.T) {
	svc, st, _ := newTestService(t)
	alice := seedUser(t, st, "alice1")
	bob := seedUser(t, st, "bobby1")
	ctx := context.Background()

	pinned, err := svc.Create(ctx, &alice, "pinned", "security", 100, false)
	require.NoError(t, err)

	assert.True(t, errors.Is(svc.Dismiss(ctx, pinned.ID, alice), ErrNotDismissable))
	// Someone else's targeted notification reads as absent.
	assert.True(t, errors.Is(svc.Dismiss(ctx, pinned.ID, bob), ErrNotFound))
	assert.True(t, errors.Is(svc.Dismiss(ctx, 9999, alice), ErrNotFound))
}

func TestNotifyCloneSuspected(t *testing.T) {
	svc, st, _ := newTestService(t)
	alice := seedUser(t, st, "alice1")
	ctx := context.Background()

	require.NoError(t, svc.NotifyCloneSuspected(ctx, alice))

	ns, err := svc.ActiveForUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "security", ns[0].Type)
	assert.False(t, ns[0].Dismissable)
	assert.Equal(t, 100, ns[0].Priority)
}

func TestPurgeDismissed(t *testing.T) {
	svc, st, clock := newTestService(t)
	alice := seedUser(t, st, "alice1")
	ctx := context.Background()

	targeted, err := svc.Create(ctx, &alice, "old targeted", "info", 0, true)
	require.NoError(t, err)
	broadcast, err := svc.Create(ctx, nil, "old broadcast", "info", 0, true)
	require.NoError(t, err)

	require.NoError(t, svc.Dismiss(ctx, targeted.ID, alice))
	require.NoError(t, svc.Dismiss(ctx, broadcast.ID, alice))

	clock.Advance(purgeAfter + time.Hour)

	n, err := svc.PurgeDismissed(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "broadcasts are kept for users who have not seen them")

	var remaining int64
	require.NoError(t, st.DB().Model(&store.Notification{}).Count(&remaining).Error)
	assert.EqualValues(t, 1, remaining)
}
