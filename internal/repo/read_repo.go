package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// ErrMessageNotInConversation is returned when a read receipt names a
// message that belongs to a different conversation.
var ErrMessageNotInConversation = errors.New("message not in conversation")

// GetReadCursor returns the user's read cursor or ErrNotFound.
func GetReadCursor(ctx context.Context, db *gorm.DB, conversationID, userID string) (*domain.MessageRead, error) {
	var r domain.MessageRead
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// MarkConversationRead moves the user's read cursor forward. With a
// messageID the cursor is placed at that message; without one it is placed
// at now. The cursor never moves backwards; the returned row is the cursor
// after the call.
func MarkConversationRead(ctx context.Context, db *gorm.DB, conversationID, userID, messageID string, now time.Time) (*domain.MessageRead, error) {
	next := domain.MessageRead{ConversationID: conversationID, UserID: userID, ReadAt: now.UTC()}
	if messageID != "" {
		m, err := GetMessage(ctx, db, messageID)
		if err != nil {
			return nil, err
		}
		if m.ConversationID != conversationID {
			return nil, ErrMessageNotInConversation
		}
		next.MessageID = m.ID
		next.ReadAt = m.CreatedAt.UTC()
	}

	var out domain.MessageRead
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := GetReadCursor(ctx, tx, conversationID, userID)
		switch {
		case errors.Is(err, ErrNotFound):
			out = next
			return tx.Create(&out).Error
		case err != nil:
			return err
		case cur.ReadAt.After(next.ReadAt):
			out = *cur
			return nil
		}
		out = next
		return tx.Save(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}
