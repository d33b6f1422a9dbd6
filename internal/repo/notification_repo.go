package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// CreateNotification inserts n, assigning an id and timestamp when unset.
func CreateNotification(ctx context.Context, db *gorm.DB, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(n).Error
}

// CountUnreadNotifications counts notifications for userID without a read
// timestamp.
func CountUnreadNotifications(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("user_id = ? AND read_at IS NULL", userID).
		Count(&n).Error
	return n, err
}

// FetchUserNotificationSettings returns the user's settings, or the defaults
// when none were saved.
func FetchUserNotificationSettings(ctx context.Context, db *gorm.DB, userID string) (domain.NotificationSettings, error) {
	var s domain.NotificationSettings
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DefaultNotificationSettings(userID), nil
	}
	if err != nil {
		return domain.NotificationSettings{}, err
	}
	return s, nil
}

// SaveNotificationSettings upserts the user's settings.
func SaveNotificationSettings(ctx context.Context, db *gorm.DB, s domain.NotificationSettings) error {
	s.UpdatedAt = time.Now().UTC()
	return db.WithContext(ctx).Save(&s).Error
}
