// Package realtime implements the per-process half of the presence and
// message-fanout core: the delivery event model, connection handles, the
// Connection Registry, the Room Router, and the Hub event loop that owns them.
//
// Cross-process visibility never goes through shared memory. Events leave a
// process through a Publisher (the fanout adapter) and come back in through
// Hub.Deliver on every process that has local interest in the topic.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Topic prefixes. A topic is only a label; it has no persisted identity.
const (
	conversationPrefix = "conversation:"
	userPrefix         = "user:"
	presenceSuffix     = ":presence"
)

// ErrUnknownEvent is returned when decoding an envelope whose event name is
// not one of the closed set below.
var ErrUnknownEvent = errors.New("unknown event")

// ErrInvalidTopic is returned by ParseTopic for labels of an unknown kind.
var ErrInvalidTopic = errors.New("invalid topic")

// ConversationTopic returns the topic shared by all participants of a chat.
func ConversationTopic(conversationID string) string { return conversationPrefix + conversationID }

// UserTopic returns a user's personal notification stream.
func UserTopic(userID string) string { return userPrefix + userID }

// PresenceTopic returns the per-user presence topic.
func PresenceTopic(userID string) string { return userPrefix + userID + presenceSuffix }

// ValidID reports whether id can be embedded in a topic label. Ids are
// non-blank and never contain the ':' separator.
func ValidID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.ContainsRune(id, ':')
}

// TopicKind classifies a topic label.
type TopicKind int

const (
	TopicConversation TopicKind = iota + 1
	TopicUser
	TopicPresence
)

// ParseTopic splits a topic into its kind and id.
func ParseTopic(topic string) (TopicKind, string, error) {
	switch {
	case strings.HasPrefix(topic, conversationPrefix):
		id := strings.TrimPrefix(topic, conversationPrefix)
		if id == "" {
			return 0, "", ErrInvalidTopic
		}
		return TopicConversation, id, nil
	case strings.HasPrefix(topic, userPrefix) && strings.HasSuffix(topic, presenceSuffix):
		id := strings.TrimSuffix(strings.TrimPrefix(topic, userPrefix), presenceSuffix)
		if id == "" {
			return 0, "", ErrInvalidTopic
		}
		return TopicPresence, id, nil
	case strings.HasPrefix(topic, userPrefix):
		id := strings.TrimPrefix(topic, userPrefix)
		if id == "" {
			return 0, "", ErrInvalidTopic
		}
		return TopicUser, id, nil
	}
	return 0, "", ErrInvalidTopic
}

// EventName is the wire name of a server-pushed event.
type EventName string

const (
	EventNewMessage         EventName = "newMessage"
	EventUserTyping         EventName = "userTyping"
	EventMessageRead        EventName = "messageRead"
	EventPresenceChanged    EventName = "presenceChanged"
	EventNewNotification    EventName = "newNotification"
	EventUnreadCountUpdated EventName = "unreadCountUpdated"
)

// Payload is implemented only by the event variants in this file.
type Payload interface {
	EventName() EventName
	sealed()
}

// NewMessage announces a persisted chat message.
type NewMessage struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	SenderID        string    `json:"senderId"`
	Content         string    `json:"content"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// UserTyping reports typing start/stop in a conversation.
type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageRead is a read receipt.
type MessageRead struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	MessageID      string    `json:"messageId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// PresenceStatus is the derived online/offline state of a user.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// PresenceChanged reports a global presence transition.
type PresenceChanged struct {
	UserID string         `json:"userId"`
	Status PresenceStatus `json:"status"`
	At     time.Time      `json:"at"`
}

// NewNotification carries an application notification.
type NewNotification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	ActorID   string    `json:"actorId,omitempty"`
	EntityID  string    `json:"entityId,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Unread counter scopes.
const (
	UnreadScopeConversation  = "conversation"
	UnreadScopeNotifications = "notifications"
)

// UnreadCountUpdated refreshes a badge counter on the client.
type UnreadCountUpdated struct {
	Scope          string `json:"scope"`
	ConversationID string `json:"conversationId,omitempty"`
	Count          int64  `json:"count"`
}

func (NewMessage) EventName() EventName         { return EventNewMessage }
func (UserTyping) EventName() EventName         { return EventUserTyping }
func (MessageRead) EventName() EventName        { return EventMessageRead }
func (PresenceChanged) EventName() EventName    { return EventPresenceChanged }
func (NewNotification) EventName() EventName    { return EventNewNotification }
func (UnreadCountUpdated) EventName() EventName { return EventUnreadCountUpdated }

func (NewMessage) sealed()         {}
func (UserTyping) sealed()         {}
func (MessageRead) sealed()        {}
func (PresenceChanged) sealed()    {}
func (NewNotification) sealed()    {}
func (UnreadCountUpdated) sealed() {}

// Envelope is the immutable DeliveryEvent transported verbatim between
// processes. Exclude, when set, names one handle that must not receive it.
type Envelope struct {
	Topic   string
	Event   EventName
	Payload Payload
	Origin  string
	Exclude string
	SentAt  time.Time
}

// NewEnvelope builds an envelope for topic. Origin is stamped by the publisher.
func NewEnvelope(topic string, p Payload) Envelope {
	return Envelope{
		Topic:   topic,
		Event:   p.EventName(),
		Payload: p,
		SentAt:  time.Now().UTC(),
	}
}

// wireEnvelope is the JSON form of an Envelope.
type wireEnvelope struct {
	Topic   string          `json:"topic"`
	Event   EventName       `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	SentAt  time.Time       `json:"sentAt"`
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %q: nil payload", e.Topic)
	}
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		Topic:   e.Topic,
		Event:   e.Payload.EventName(),
		Payload: raw,
		Origin:  e.Origin,
		Exclude: e.Exclude,
		SentAt:  e.SentAt,
	})
}

// UnmarshalEnvelope decodes data produced by Envelope.Marshal. Event names
// outside the closed set yield ErrUnknownEvent.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, err
	}
	p, err := decodePayload(w.Event, w.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Topic:   w.Topic,
		Event:   w.Event,
		Payload: p,
		Origin:  w.Origin,
		Exclude: w.Exclude,
		SentAt:  w.SentAt,
	}, nil
}

func decodePayload(name EventName, raw json.RawMessage) (Payload, error) {
	switch name {
	case EventNewMessage:
		return decodeAs[NewMessage](raw)
	case EventUserTyping:
		return decodeAs[UserTyping](raw)
	case EventMessageRead:
		return decodeAs[MessageRead](raw)
	case EventPresenceChanged:
		return decodeAs[PresenceChanged](raw)
	case EventNewNotification:
		return decodeAs[NewNotification](raw)
	case EventUnreadCountUpdated:
		return decodeAs[UnreadCountUpdated](raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
