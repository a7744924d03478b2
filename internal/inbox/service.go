// Package inbox implements user-to-admin messages. Each message carries a
// reply preference; when the preference is email, the address is held only
// until the reply happens: marking a message replied clears the address in
// the same transaction. Every message creation is mirrored into the
// append-only contact log for abuse review.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/thebosco/library-server/internal/store"
)

var (
	// ErrNotFound is returned when no message matches the given id.
	ErrNotFound = errors.New("inbox: message not found")

	// ErrInvalid is returned for malformed creation requests (empty body,
	// missing reply address for email replies, unknown reply method).
	ErrInvalid = errors.New("inbox: invalid message")
)

// Service provides inbox operations for users (create) and admins
// (list and status transitions).
type Service struct {
	store *store.Store
	clock clockwork.Clock
	log   *zap.Logger
}

// NewService returns an inbox Service.
func NewService(st *store.Store, clock clockwork.Clock, logger *zap.Logger) *Service {
	return &Service{store: st, clock: clock, log: logger.Named("inbox")}
}

// Create stores a new message and appends a contact-log row in the same
// transaction. replyEmail is required iff replyVia is email.
func (s *Service) Create(ctx context.Context, fromUserID int64, message string, replyVia store.ReplyMethod, replyEmail string) (*store.InboxMessage, error) {
	if message == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalid)
	}
	switch replyVia {
	case store.ReplyInApp:
		replyEmail = ""
	case store.ReplyEmail:
		if replyEmail == "" {
			return nil, fmt.Errorf("%w: reply_email is required for email replies", ErrInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: unknown reply method %q", ErrInvalid, replyVia)
	}

	now := s.clock.Now()
	msg := &store.InboxMessage{
		FromUserID: fromUserID,
		Message:    message,
		ReplyVia:   replyVia,
		ReplyEmail: store.EncryptedString(replyEmail),
		Status:     store.InboxUnread,
		CreatedAt:  now,
	}

	err := s.store.Tx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return fmt.Errorf("inbox: create: %w", err)
		}
		if err := tx.Create(&store.ContactLog{UserID: fromUserID, CreatedAt: now}).Error; err != nil {
			return fmt.Errorf("inbox: contact log: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// GetByID retrieves a single message.
func (s *Service) GetByID(ctx context.Context, id int64) (*store.InboxMessage, error) {
	var msg store.InboxMessage
	err := s.store.DB().WithContext(ctx).First(&msg, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inbox: get by id: %w", err)
	}
	return &msg, nil
}

// List returns messages newest-first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status store.InboxStatus) ([]store.InboxMessage, error) {
	q := s.store.DB().WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var msgs []store.InboxMessage
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("inbox: list: %w", err)
	}
	return msgs, nil
}

// MarkRead transitions a message to read and stamps read_at. Already-read
// messages keep their original read_at.
func (s *Service) MarkRead(ctx context.Context, id int64) error {
	now := s.clock.Now()
	res := s.store.DB().WithContext(ctx).Model(&store.InboxMessage{}).
		Where("id = ? AND status = ?", id, store.InboxUnread).
		Updates(map[string]any{"status": store.InboxRead, "read_at": now})
	if res.Error != nil {
		return fmt.Errorf("inbox: mark read: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the message does not exist or it was already past unread;
		// only the former is an error.
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkReplied transitions a message to replied and clears the reply address
// atomically: the status change and the PII wipe land in one transaction.
func (s *Service) MarkReplied(ctx context.Context, id int64) error {
	return s.store.Tx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&store.InboxMessage{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"status":      store.InboxReplied,
				"replied_at":  s.clock.Now(),
				"reply_email": "",
			})
		if res.Error != nil {
			return fmt.Errorf("inbox: mark replied: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Archive transitions a message to archived.
func (s *Service) Archive(ctx context.Context, id int64) error {
	res := s.store.DB().WithContext(ctx).Model(&store.InboxMessage{}).
		Where("id = ?", id).
		Update("status", store.InboxArchived)
	if res.Error != nil {
		return fmt.Errorf("inbox: archive: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ContactCount returns how many inbox messages a user has created, for abuse
// review.
func (s *Service) ContactCount(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := s.store.DB().WithContext(ctx).Model(&store.ContactLog{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("inbox: contact count: %w", err)
	}
	return n, nil
}
