package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
)

// CreateMessage inserts a new message row.
func CreateMessage(ctx context.Context, db *gorm.DB, conversationID, senderID, content, clientMessageID string) (*domain.Message, error) {
	now := time.Now().UTC()
	m := &domain.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		ClientMessageID: clientMessageID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, err
	}
	return m, nil
}

// CreateMessageIdempotent creates a message unless one was already created
// for (senderID, conversationID, clientMessageID) within ttl, in which case
// the original is returned with created=false. An empty clientMessageID
// always creates.
func CreateMessageIdempotent(ctx context.Context, db *gorm.DB, conversationID, senderID, content, clientMessageID string, ttl time.Duration) (msg *domain.Message, created bool, err error) {
	key := strings.TrimSpace(clientMessageID)
	if key == "" {
		m, err := CreateMessage(ctx, db, conversationID, senderID, content, "")
		return m, err == nil, err
	}

	if m, err := replay(ctx, db, senderID, conversationID, key); err == nil {
		return m, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		m, err := CreateMessage(ctx, tx, conversationID, senderID, content, key)
		if err != nil {
			return err
		}
		if _, err := CreateIdempotency(ctx, tx, senderID, conversationID, key, m.ID, ttl); err != nil {
			return err
		}
		msg = m
		return nil
	})
	if errors.Is(err, ErrDuplicate) {
		// Lost a race with a concurrent retry; return the winner.
		m, rerr := replay(ctx, db, senderID, conversationID, key)
		return m, false, rerr
	}
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

func replay(ctx context.Context, db *gorm.DB, userID, conversationID, key string) (*domain.Message, error) {
	rec, err := GetIdempotency(ctx, db, userID, conversationID, key, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return GetMessage(ctx, db, rec.MessageID)
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// CountUnreadMessages counts messages in a conversation that userID did not
// send and that are newer than the user's read cursor.
func CountUnreadMessages(ctx context.Context, db *gorm.DB, conversationID, userID string) (int64, error) {
	q := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("conversation_id = ? AND sender_id <> ?", conversationID, userID)

	cursor, err := GetReadCursor(ctx, db, conversationID, userID)
	switch {
	case err == nil:
		q = q.Where("created_at > ?", cursor.ReadAt)
	case !errors.Is(err, ErrNotFound):
		return 0, err
	}

	var n int64
	err = q.Count(&n).Error
	return n, err
}
