// Package session manages opaque login sessions. The raw token lives only in
// the client cookie; the store keeps its SHA-256. Each user holds at most one
// session: creating a new one invalidates the rest in the same transaction,
// so concurrent logins for the same user have a single well-defined winner.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/thebosco/library-server/internal/store"
)

const (
	// tokenBytes is the raw token length before base64url encoding.
	tokenBytes = 32

	// StaleGrace is how long a session may go untouched before it is
	// treated as absent and reaped on the next read. There is no absolute
	// expiry; an active session persists indefinitely.
	StaleGrace = 30 * time.Minute

	// touchInterval rate-limits last_seen writes to avoid write storms on
	// chatty clients.
	touchInterval = 60 * time.Second
)

// ErrNotFound is returned when no live session matches a token.
var ErrNotFound = errors.New("session: not found")

// Manager creates, resolves, and reaps sessions.
type Manager struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewManager returns a Manager backed by the encrypted store.
func NewManager(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Manager {
	return &Manager{store: st, clock: clock, log: logger.Named("sessions")}
}

// CreateForUser generates a fresh 256-bit token, stores its hash, and,
// atomically in the same transaction, deletes every other session for the
// user. Returns the stored session and the raw token for the cookie.
func (m *Manager) CreateForUser(ctx context.Context, userID int64, userAgent, ip string) (*store.Session, string, error) {
	raw, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	now := m.clock.Now()
	sess := &store.Session{
		UserID:    userID,
		TokenHash: HashToken(raw),
		UserAgent: userAgent,
		IPAddress: ip,
		CreatedAt: now,
		LastSeen:  now,
	}

	err = m.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&store.Session{}).Error; err != nil {
			return fmt.Errorf("session: invalidating prior sessions: %w", err)
		}
		if err := tx.Create(sess).Error; err != nil {
			return fmt.Errorf("session: create: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return sess, raw, nil
}

// GetByToken resolves a raw cookie token to a live session. A session whose
// last_seen is older than the stale grace is deleted and reported as absent.
func (m *Manager) GetByToken(ctx context.Context, raw string) (*store.Session, error) {
	var sess store.Session
	err := m.store.DB().WithContext(ctx).
		First(&sess, "token_hash = ?", HashToken(raw)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: get by token: %w", err)
	}

	if m.clock.Now().Sub(sess.LastSeen) > StaleGrace {
		if err := m.Invalidate(ctx, &sess); err != nil {
			m.log.Warn("failed to reap stale session", zap.Int64("session_id", sess.ID), zap.Error(err))
		}
		return nil, ErrNotFound
	}

	return &sess, nil
}

// Touch updates last_seen, at most once per touchInterval per session.
func (m *Manager) Touch(ctx context.Context, sess *store.Session) error {
	now := m.clock.Now()
	if now.Sub(sess.LastSeen) < touchInterval {
		return nil
	}
	err := m.store.DB().WithContext(ctx).Model(&store.Session{}).
		Where("id = ?", sess.ID).
		Update("last_seen", now).Error
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	sess.LastSeen = now
	return nil
}

// Invalidate deletes a single session.
func (m *Manager) Invalidate(ctx context.Context, sess *store.Session) error {
	if err := m.store.DB().WithContext(ctx).Delete(&store.Session{}, sess.ID).Error; err != nil {
		return fmt.Errorf("session: invalidate: %w", err)
	}
	return nil
}

// InvalidateUserSessions deletes every session belonging to a user. Called on
// recovery, credential rotation, and clone suspicion.
func (m *Manager) InvalidateUserSessions(ctx context.Context, userID int64) error {
	return m.InvalidateUserSessionsTx(m.store.DB().WithContext(ctx), userID)
}

// InvalidateUserSessionsTx is InvalidateUserSessions inside an existing
// transaction.
func (m *Manager) InvalidateUserSessionsTx(tx *gorm.DB, userID int64) error {
	if err := tx.Where("user_id = ?", userID).Delete(&store.Session{}).Error; err != nil {
		return fmt.Errorf("session: invalidate user sessions: %w", err)
	}
	return nil
}

// ReapStale deletes sessions untouched for longer than the stale grace.
// Safe to call from a background task.
func (m *Manager) ReapStale(ctx context.Context) (int64, error) {
	cutoff := m.clock.Now().Add(-StaleGrace)
	res := m.store.DB().WithContext(ctx).
		Where("last_seen < ?", cutoff).
		Delete(&store.Session{})
	if res.Error != nil {
		return 0, fmt.Errorf("session: reap stale: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// HashToken returns the SHA-256 hex digest of a raw token. Only the hash is
// ever persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// generateToken returns a base64url-encoded 256-bit random token.
func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("session: generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
