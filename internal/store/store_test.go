package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func openTestStore(t *testing.T, dir string) (*Store, error) {
	t.Helper()
	return Open(Config{
		Path:     filepath.Join(dir, "auth.db"),
		KeyPath:  filepath.Join(dir, "auth.key"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
}

func TestBootstrapCreatesKeyfile(t *testing.T) {
	dir := t.TempDir()

	st, err := openTestStore(t, dir)
	require.NoError(t, err)
	defer st.Close()

	info, err := os.Stat(filepath.Join(dir, "auth.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	rep := st.Verify(context.Background())
	assert.True(t, rep.CanConnect)
	assert.Equal(t, 2, rep.SchemaVersion)
	assert.Zero(t, rep.UserCount)
	assert.Empty(t, rep.Err)
}

func TestReopenWithSameKey(t *testing.T) {
	dir := t.TempDir()

	st, err := openTestStore(t, dir)
	require.NoError(t, err)

	u := &User{Username: "alice1", AuthType: AuthTOTP, AuthCredential: []byte("secret-bytes")}
	require.NoError(t, st.DB().Create(u).Error)
	require.NoError(t, st.Close())

	st, err = openTestStore(t, dir)
	require.NoError(t, err)
	defer st.Close()

	var got User
	require.NoError(t, st.DB().First(&got, "username = ?", "alice1").Error)
	assert.Equal(t, []byte("secret-bytes"), []byte(got.AuthCredential))
}

func TestWrongKeyIsDistinctFromCorruption(t *testing.T) {
	dir := t.TempDir()

	st, err := openTestStore(t, dir)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Swap the keyfile for a fresh key against the existing database.
	require.NoError(t, os.Remove(filepath.Join(dir, "auth.key")))

	_, err = openTestStore(t, dir)
	require.Error(t, err)

	var kmErr *KeyMaterialError
	require.ErrorAs(t, err, &kmErr)
	assert.True(t, kmErr.WrongKey)
}

func TestUnreadableKeyfile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "auth.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not-hex"), 0o600))

	_, err := openTestStore(t, dir)
	require.Error(t, err)

	var kmErr *KeyMaterialError
	require.ErrorAs(t, err, &kmErr)
	assert.False(t, kmErr.WrongKey)
}

func TestEncryptedFieldsAreOpaqueAtRest(t *testing.T) {
	dir := t.TempDir()

	st, err := openTestStore(t, dir)
	require.NoError(t, err)
	defer st.Close()

	u := &User{
		Username:      "bob-reader",
		AuthType:      AuthTOTP,
		RecoveryEmail: "bob@example.com",
	}
	require.NoError(t, st.DB().Create(u).Error)

	// Read the raw column without the Scanner and confirm the plaintext is
	// not stored.
	var raw string
	require.NoError(t, st.DB().Raw(
		"SELECT recovery_email FROM users WHERE id = ?", u.ID).Scan(&raw).Error)
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "bob@example.com")

	var got User
	require.NoError(t, st.DB().First(&got, u.ID).Error)
	assert.Equal(t, "bob@example.com", string(got.RecoveryEmail))
}
