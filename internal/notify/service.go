// Package notify records mention and share notifications for recipients.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultListLimit = 50

var errMissingDatabase = errors.New("notify: database handle is required")

// IDProvider issues notification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

type Service struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("notify: id provider is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Notify stores notification, assigning its id and creation time.
func (s *Service) Notify(ctx context.Context, notification Notification) (Notification, error) {
	notification.RecipientEmail = strings.ToLower(strings.TrimSpace(notification.RecipientEmail))
	if notification.RecipientEmail == "" {
		return Notification{}, ErrMissingRecipient
	}
	switch notification.Kind {
	case KindMention, KindShare:
	default:
		return Notification{}, fmt.Errorf("%w: %q", ErrUnknownKind, notification.Kind)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return Notification{}, fmt.Errorf("notify: id generation: %w", err)
	}
	notification.NotificationID = id
	notification.CreatedAtMillis = s.clock().UTC().UnixMilli()
	notification.Read = false

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logger.Error("notification insert failed",
			zap.String("document_id", notification.DocumentID),
			zap.String("type", string(notification.Kind)),
			zap.Error(err))
		return Notification{}, fmt.Errorf("notify: insert: %w", err)
	}
	s.logger.Info("notification recorded",
		zap.String("notification_id", notification.NotificationID),
		zap.String("document_id", notification.DocumentID),
		zap.String("type", string(notification.Kind)))
	return notification, nil
}

// ListForRecipient returns the newest notifications addressed to email.
func (s *Service) ListForRecipient(ctx context.Context, email string, limit int) ([]Notification, error) {
	recipient := strings.ToLower(strings.TrimSpace(email))
	if recipient == "" {
		return nil, ErrMissingRecipient
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	var notifications []Notification
	err := s.db.WithContext(ctx).
		Where("recipient_email = ?", recipient).
		Order("created_at_ms DESC").
		Order("notification_id DESC").
		Limit(limit).
		Find(&notifications).Error
	if err != nil {
		return nil, fmt.Errorf("notify: list: %w", err)
	}
	return notifications, nil
}

// MarkRead flags a notification of recipient as read.
func (s *Service) MarkRead(ctx context.Context, email, notificationID string) error {
	recipient := strings.ToLower(strings.TrimSpace(email))
	if recipient == "" {
		return ErrMissingRecipient
	}
	result := s.db.WithContext(ctx).
		Model(&Notification{}).
		Where("notification_id = ? AND recipient_email = ?", notificationID, recipient).
		Update("read", true)
	if result.Error != nil {
		return fmt.Errorf("notify: mark read: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
