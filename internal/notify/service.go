// Package notify implements user-targeted and broadcast notifications shown
// after login. Dismissal is tracked per user; a broadcast stays visible to
// each user until that user dismisses it.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebosco/library-server/internal/store"
)

var (
	// ErrNotFound is returned when no notification matches, or when the
	// notification is not visible to the acting user.
	ErrNotFound = errors.New("notify: notification not found")

	// ErrNotDismissable is returned when trying to dismiss a pinned
	// notification.
	ErrNotDismissable = errors.New("notify: notification is not dismissable")
)

// purgeAfter is how long dismissed notifications are kept before the
// background purge removes them.
const purgeAfter = 30 * 24 * time.Hour

// Service creates, lists, and dismisses notifications.
type Service struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewService returns a notification Service.
func NewService(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{store: st, clock: clock, log: logger.Named("notify")}
}

// Create stores a notification. userID nil means broadcast to everyone.
func (s *Service) Create(ctx context.Context, userID *int64, message, typ string, priority int, dismissable bool) (*store.Notification, error) {
	n := &store.Notification{
		UserID:      userID,
		Message:     message,
		Type:        typ,
		Priority:    priority,
		Dismissable: dismissable,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.DB().WithContext(ctx).Create(n).Error; err != nil {
		return nil, fmt.Errorf("notify: create: %w", err)
	}
	return n, nil
}

// NotifyCloneSuspected queues the security notice shown on the user's next
// login after a WebAuthn sign-counter regression revoked their credential.
func (s *Service) NotifyCloneSuspected(ctx context.Context, userID int64) error {
	_, err := s.Create(ctx, &userID,
		"A security key registered to your account showed signs of cloning and has been disabled. "+
			"All sessions were signed out. Please review your credentials.",
		"security", 100, false)
	return err
}

// ActiveForUser returns notifications visible to the user, targeted at them
// or broadcast, that they have not dismissed, highest priority first.
func (s *Service) ActiveForUser(ctx context.Context, userID int64) ([]store.Notification, error) {
	var ns []store.Notification
	err := s.store.DB().WithContext(ctx).
		Where("(user_id = ? OR user_id IS NULL)", userID).
		Where("id NOT IN (?)",
			s.store.DB().Model(&store.NotificationDismissal{}).
				Select("notification_id").
				Where("user_id = ?", userID),
		).
		Order("priority DESC, created_at DESC").
		Find(&ns).Error
	if err != nil {
		return nil, fmt.Errorf("notify: active for user: %w", err)
	}
	return ns, nil
}

// Dismiss records that the user dismissed a notification. Dismissing twice
// is a no-op; dismissing someone else's targeted notification is ErrNotFound.
func (s *Service) Dismiss(ctx context.Context, notificationID, userID int64) error {
	var n store.Notification
	err := s.store.DB().WithContext(ctx).First(&n, "id = ?", notificationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("notify: dismiss lookup: %w", err)
	}

	if n.UserID != nil && *n.UserID != userID {
		return ErrNotFound
	}
	if !n.Dismissable {
		return ErrNotDismissable
	}

	err = s.store.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&store.NotificationDismissal{
			NotificationID: notificationID,
			UserID:         userID,
			DismissedAt:    s.clock.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("notify: dismiss: %w", err)
	}
	return nil
}

// PurgeDismissed removes per-user notifications whose dismissal is older than
// the retention window. Broadcasts are kept; other users may not have seen
// them yet.
func (s *Service) PurgeDismissed(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-purgeAfter)
	res := s.store.DB().WithContext(ctx).
		Where("user_id IS NOT NULL AND id IN (?)",
			s.store.DB().Model(&store.NotificationDismissal{}).
				Select("notification_id").
				Where("dismissed_at < ?", cutoff),
		).
		Delete(&store.Notification{})
	if res.Error != nil {
		return 0, fmt.Errorf("notify: purge dismissed: %w", res.Error)
	}
	return res.RowsAffected, nil
}
