package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateConversation inserts a conversation and its participants in one
// transaction.
func CreateConversation(ctx context.Context, db *gorm.DB, title string, userIDs ...string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return err
		}
		for _, u := range userIDs {
			if err := AddParticipant(ctx, tx, c.ID, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// AddParticipant adds userID to a conversation. Adding an existing
// participant is a no-op.
func AddParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) error {
	p := &domain.Participant{ConversationID: conversationID, UserID: userID, JoinedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Where(domain.Participant{ConversationID: conversationID, UserID: userID}).
		FirstOrCreate(p).Error
}

// FetchConversationParticipants returns the user ids in a conversation,
// ordered by join time. A missing conversation yields ErrNotFound.
func FetchConversationParticipants(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error) {
	var conv domain.Conversation
	if err := db.WithContext(ctx).Select("id").First(&conv, "id = ?", conversationID).Error; err != nil {
		return nil, err
	}
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC, user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// IsParticipant reports whether userID belongs to the conversation.
func IsParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	return n > 0, err
}
