// Package pending implements the short-lived, single-use verification tokens
// behind registration and magic-link recovery. Tokens are random 256-bit
// values handed to the user exactly once; the store keeps only their SHA-256.
// Expired rows are garbage-collected lazily on access and by the background
// reaper.
package pending

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

// TTL is how long a pending registration or recovery stays redeemable.
const TTL = 15 * time.Minute

// ErrNotFound is returned for tokens that are absent, expired, or already
// used. Callers cannot distinguish the three.
var ErrNotFound = errors.New("pending: token not found")

const tokenBytes = 32

// Registrations manages pending-registration tokens.
type Registrations struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewRegistrations returns a Registrations store.
func NewRegistrations(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Registrations {
	return &Registrations{store: st, clock: clock, log: logger.Named("pending_registrations")}
}

// Create starts a registration for username, replacing any prior pending
// registration for the same name, and returns the raw verification token.
func (r *Registrations) Create(ctx context.Context, username string) (*store.PendingRegistration, string, error) {
	raw, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	now := r.clock.Now()
	reg := &store.PendingRegistration{
		Username:  username,
		TokenHash: hashToken(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}

	err = r.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("username = ?", username).
			Delete(&store.PendingRegistration{}).Error; err != nil {
			return fmt.Errorf("pending: replacing prior registrations: %w", err)
		}
		if err := tx.Create(reg).Error; err != nil {
			return fmt.Errorf("pending: create registration: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return reg, raw, nil
}

// GetByToken resolves a raw token. Expired rows are deleted on sight.
func (r *Registrations) GetByToken(ctx context.Context, raw string) (*store.PendingRegistration, error) {
	var reg store.PendingRegistration
	err := r.store.DB().WithContext(ctx).
		First(&reg, "token_hash = ?", hashToken(raw)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pending: get registration: %w", err)
	}

	if r.clock.Now().After(reg.ExpiresAt) {
		if err := r.store.DB().WithContext(ctx).Delete(&store.PendingRegistration{}, reg.ID).Error; err != nil {
			r.log.Warn("failed to reap expired registration", zap.Int64("id", reg.ID), zap.Error(err))
		}
		return nil, ErrNotFound
	}

	return &reg, nil
}

// ConsumeTx deletes a pending registration inside the transaction that
// creates the user, so the token becomes unreachable atomically with account
// creation.
func (r *Registrations) ConsumeTx(tx *gorm.DB, reg *store.PendingRegistration) error {
	if err := tx.Delete(&store.PendingRegistration{}, reg.ID).Error; err != nil {
		return fmt.Errorf("pending: consume registration: %w", err)
	}
	return nil
}

// DeleteExpired removes all expired pending registrations.
func (r *Registrations) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.store.DB().WithContext(ctx).
		Where("expires_at < ?", r.clock.Now()).
		Delete(&store.PendingRegistration{})
	if res.Error != nil {
		return 0, fmt.Errorf("pending: delete expired registrations: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Recoveries manages magic-link recovery tokens.
type Recoveries struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewRecoveries returns a Recoveries store.
func NewRecoveries(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Recoveries {
	return &Recoveries{store: st, clock: clock, log: logger.Named("pending_recoveries")}
}

// Create starts a recovery for the user, replacing any prior pending
// recovery, and returns the raw token destined for the magic-link email.
func (r *Recoveries) Create(ctx context.Context, userID int64) (*store.PendingRecovery, string, error) {
	raw, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	now := r.clock.Now()
	rec := &store.PendingRecovery{
		UserID:    userID,
		TokenHash: hashToken(raw),
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}

	err = r.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).
			Delete(&store.PendingRecovery{}).Error; err != nil {
			return fmt.Errorf("pending: replacing prior recoveries: %w", err)
		}
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("pending: create recovery: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return rec, raw, nil
}

// GetByToken resolves a raw token to an unexpired, unused recovery.
func (r *Recoveries) GetByToken(ctx context.Context, raw string) (*store.PendingRecovery, error) {
	var rec store.PendingRecovery
	err := r.store.DB().WithContext(ctx).
		First(&rec, "token_hash = ?", hashToken(raw)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pending: get recovery: %w", err)
	}

	if r.clock.Now().After(rec.ExpiresAt) {
		if err := r.store.DB().WithContext(ctx).Delete(&store.PendingRecovery{}, rec.ID).Error; err != nil {
			r.log.Warn("failed to reap expired recovery", zap.Int64("id", rec.ID), zap.Error(err))
		}
		return nil, ErrNotFound
	}
	if rec.UsedAt != nil {
		return nil, ErrNotFound
	}

	return &rec, nil
}

// MarkUsedTx marks a recovery used. The update is guarded by used_at IS NULL
// so a token redeemed by two racing requests succeeds for exactly one.
func (r *Recoveries) MarkUsedTx(tx *gorm.DB, rec *store.PendingRecovery) error {
	now := r.clock.Now()
	res := tx.Model(&store.PendingRecovery{}).
		Where("id = ? AND used_at IS NULL", rec.ID).
		Update("used_at", now)
	if res.Error != nil {
		return fmt.Errorf("pending: mark recovery used: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	rec.UsedAt = &now
	return nil
}

// DeleteExpired removes all expired pending recoveries.
func (r *Recoveries) DeleteExpired(ctx context.Context) (int64, error) {
	res := r.store.DB().WithContext(ctx).
		Where("expires_at < ?", r.clock.Now()).
		Delete(&store.PendingRecovery{})
	if res.Error != nil {
		return 0, fmt.Errorf("pending: delete expired recoveries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("pending: generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
