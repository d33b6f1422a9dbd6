// Package domain defines the persistence models the realtime core reads and
// writes through the storage collaborator: conversations and their
// participants, messages with read receipts, notifications, and per-user
// notification settings. These types are mapped with GORM.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Conversation is a chat between two or more participants.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Title: optional display name for group chats.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	Title     string         `json:"title"      gorm:"type:varchar(255)"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Participant links a user to a conversation. A user appears at most once
// per conversation (enforced by the composite primary key).
type Participant struct {
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);primaryKey;index:idx_participant_user"`
	JoinedAt       time.Time `json:"joined_at"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Participant.
func (Participant) TableName() string { return "participants" }

// Message is a single chat message.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: owning conversation (indexed with CreatedAt for paging
//     and unread counting).
//   - SenderID: author user id.
//   - Content: NFC-normalized text.
//   - ClientMessageID: optional client-supplied dedupe key.
type Message struct {
	ID              string         `json:"id"                          gorm:"type:char(36);primaryKey"`
	ConversationID  string         `json:"conversation_id"             gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderID        string         `json:"sender_id"                   gorm:"type:varchar(64);not null"`
	Content         string         `json:"content"                     gorm:"type:text;not null"`
	ClientMessageID string         `json:"client_message_id,omitempty" gorm:"type:varchar(200)"`
	CreatedAt       time.Time      `json:"created_at"                  gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-"                           gorm:"index"`

	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// MessageRead is a user's read cursor in a conversation. There is one row
// per (conversation, user); marking as read moves it forward.
type MessageRead struct {
	ConversationID string    `json:"conversation_id"      gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"              gorm:"type:varchar(64);primaryKey"`
	MessageID      string    `json:"message_id,omitempty" gorm:"type:char(36)"`
	ReadAt         time.Time `json:"read_at"              gorm:"not null"`
}

// TableName returns the database table name for MessageRead.
func (MessageRead) TableName() string { return "message_reads" }

// Notification is an application notification addressed to one user.
type Notification struct {
	ID        string     `json:"id"                  gorm:"type:char(36);primaryKey"`
	UserID    string     `json:"user_id"             gorm:"type:varchar(64);not null;index:idx_user_notifications,priority:1"`
	Kind      string     `json:"kind"                gorm:"type:varchar(32);not null"`
	ActorID   string     `json:"actor_id,omitempty"  gorm:"type:varchar(64)"`
	EntityID  string     `json:"entity_id,omitempty" gorm:"type:varchar(64)"`
	Text      string     `json:"text"                gorm:"type:text"`
	ReadAt    *time.Time `json:"read_at,omitempty"   gorm:"index:idx_user_notifications,priority:2"`
	CreatedAt time.Time  `json:"created_at"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

// NotificationSettings controls which realtime hints a user receives.
// Users without a row get DefaultNotificationSettings.
type NotificationSettings struct {
	UserID        string    `json:"user_id"        gorm:"type:varchar(64);primaryKey"`
	Notifications bool      `json:"notifications"  gorm:"not null"`
	UnreadBadges  bool      `json:"unread_badges"  gorm:"not null"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName returns the database table name for NotificationSettings.
func (NotificationSettings) TableName() string { return "notification_settings" }

// DefaultNotificationSettings returns the settings applied when a user has
// never saved any: everything enabled.
func DefaultNotificationSettings(userID string) NotificationSettings {
	return NotificationSettings{UserID: userID, Notifications: true, UnreadBadges: true}
}
