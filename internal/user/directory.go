// Package user implements the user directory: account records, credential
// binding, and recovery contact fields.
package user

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/thebosco/library-server/internal/store"
)

// ErrNotFound is returned when no user matches the given identifier.
var ErrNotFound = errors.New("user: not found")

// Username length bounds. Usernames are case-sensitive printable ASCII.
const (
	UsernameMinLen = 5
	UsernameMaxLen = 16
)

// ValidateUsername checks the registration constraints: 5–16 characters,
// printable ASCII only.
func ValidateUsername(name string) error {
	if len(name) < UsernameMinLen {
		return fmt.Errorf("username must be at least %d characters", UsernameMinLen)
	}
	if len(name) > UsernameMaxLen {
		return fmt.Errorf("username must be at most %d characters", UsernameMaxLen)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return errors.New("username must contain only printable ASCII characters")
		}
	}
	return nil
}

// Directory provides access to user records.
type Directory struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewDirectory returns a Directory backed by the encrypted store.
func NewDirectory(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Directory {
	return &Directory{store: st, clock: clock, log: logger.Named("users")}
}

// GetByID retrieves a user by id. Returns ErrNotFound if no record exists.
func (d *Directory) GetByID(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	err := d.store.DB().WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &u, nil
}

// GetByUsername retrieves a user by exact, case-sensitive username. The final
// name comparison runs in constant time on both hits and misses so the lookup
// cost does not act as a username oracle.
func (d *Directory) GetByUsername(ctx context.Context, name string) (*store.User, error) {
	var u store.User
	err := d.store.DB().WithContext(ctx).First(&u, "username = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Burn the same comparison as the hit path.
			subtle.ConstantTimeCompare([]byte(name), []byte(name))
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by username: %w", err)
	}
	// SQLite's default collation is case-sensitive, but make the contract
	// explicit rather than rely on it.
	if subtle.ConstantTimeCompare([]byte(u.Username), []byte(name)) != 1 {
		return nil, ErrNotFound
	}
	return &u, nil
}

// UsernameExistsTx reports whether a username is taken. Only callable inside
// a transaction; the HTTP surface never exposes this check directly.
func (d *Directory) UsernameExistsTx(tx *gorm.DB, name string) (bool, error) {
	var n int64
	if err := tx.Model(&store.User{}).Where("username = ?", name).Count(&n).Error; err != nil {
		return false, fmt.Errorf("users: username exists: %w", err)
	}
	return n > 0, nil
}

// Save upserts the user and recomputes the derived recovery_enabled flag.
func (d *Directory) Save(ctx context.Context, u *store.User) error {
	return d.SaveTx(d.store.DB().WithContext(ctx), u)
}

// SaveTx is Save inside an existing transaction.
func (d *Directory) SaveTx(tx *gorm.DB, u *store.User) error {
	u.RecoveryEnabled = u.RecoveryEmail != "" || u.RecoveryPhone != ""
	if u.CreatedAt.IsZero() {
		u.CreatedAt = d.clock.Now()
	}
	if err := tx.Save(u).Error; err != nil {
		return fmt.Errorf("users: save: %w", err)
	}
	return nil
}

// UpdateLastLogin stamps last_login with the current time.
func (d *Directory) UpdateLastLogin(ctx context.Context, u *store.User) error {
	now := d.clock.Now()
	u.LastLogin = &now
	err := d.store.DB().WithContext(ctx).Model(&store.User{}).
		Where("id = ?", u.ID).
		Update("last_login", now).Error
	if err != nil {
		return fmt.Errorf("users: update last login: %w", err)
	}
	return nil
}

// Count returns the total number of users. The seed command uses it to refuse
// to run against a populated store.
func (d *Directory) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := d.store.DB().WithContext(ctx).Model(&store.User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("users: count: %w", err)
	}
	return n, nil
}
