// Package services – SessionService
//
// SessionService executes the client operations received on an authenticated
// connection: joining and leaving conversation topics, sending messages,
// typing indicators and read receipts. Every conversation operation is
// authorized against the participant list before it touches storage or the
// router. The acknowledgement is the return value; live updates to other
// connections go through the Gateway.
//
// Observability: public methods are OpenTelemetry-instrumented with the
// handle, user and conversation identifiers.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SessionRepo is the storage contract of the session service.
type SessionRepo interface {
	IsParticipant(ctx context.Context, db *gorm.DB, conversationID, userID string) (bool, error)
	CreateMessageIdempotent(ctx context.Context, db *gorm.DB, conversationID, senderID, content, clientMessageID string, ttl time.Duration) (*domain.Message, bool, error)
	MarkConversationRead(ctx context.Context, db *gorm.DB, conversationID, userID, messageID string, now time.Time) (*domain.MessageRead, error)
}

// Rooms subscribes connection handles to topics. *realtime.Hub satisfies it.
type Rooms interface {
	Join(ctx context.Context, h *realtime.Handle, topic string) error
	Leave(h *realtime.Handle, topic string) error
}

// TypingStore records typing indicators and announces them.
type TypingStore interface {
	SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error
}

// Notifier is the slice of the Gateway used for client-originated events.
type Notifier interface {
	NotifyMessageSent(ctx context.Context, conversationID string, msg domain.Message, opts ...NotifyOption)
	NotifyMessagesRead(ctx context.Context, conversationID, userID string, readAt time.Time, opts ...NotifyOption)
}

// SessionService implements the per-connection client operations.
type SessionService struct {
	DB      *gorm.DB
	Repo    SessionRepo
	Rooms   Rooms
	Typing  TypingStore
	Gateway Notifier

	// Optional guards
	MaxContentRunes int
	IdempotencyTTL  time.Duration

	now func() time.Time
}

// NewSessionService wires a session service with default limits.
func NewSessionService(db *gorm.DB, r SessionRepo, rooms Rooms, typing TypingStore, gw Notifier) *SessionService {
	return &SessionService{
		DB:              db,
		Repo:            r,
		Rooms:           rooms,
		Typing:          typing,
		Gateway:         gw,
		MaxContentRunes: 4000,
		IdempotencyTTL:  24 * time.Hour,
		now:             time.Now,
	}
}

// JoinConversation subscribes h to the conversation topic.
func (s *SessionService) JoinConversation(ctx context.Context, h *realtime.Handle, conversationID string) error {
	ctx, span := s.start(ctx, "JoinConversation", h, conversationID)
	defer span.End()

	if err := s.authorize(ctx, h, conversationID); err != nil {
		return err
	}
	return s.Rooms.Join(ctx, h, realtime.ConversationTopic(conversationID))
}

// LeaveConversation unsubscribes h from the conversation topic. Leaving a
// conversation that was never joined succeeds.
func (s *SessionService) LeaveConversation(ctx context.Context, h *realtime.Handle, conversationID string) error {
	_, span := s.start(ctx, "LeaveConversation", h, conversationID)
	defer span.End()

	if !realtime.ValidID(conversationID) {
		return ErrInvalidArgument
	}
	return s.Rooms.Leave(h, realtime.ConversationTopic(conversationID))
}

// SendMessage validates and persists a message, then announces it to every
// other connection in the conversation. The returned message is the sender's
// acknowledgement; a retried clientMessageID returns the original message
// and is not announced again.
func (s *SessionService) SendMessage(ctx context.Context, h *realtime.Handle, conversationID, content, clientMessageID string) (*domain.Message, error) {
	ctx, span := s.start(ctx, "SendMessage", h, conversationID)
	defer span.End()

	content = norm.NFC.String(strings.TrimSpace(content))
	if content == "" {
		return nil, ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(content) > s.MaxContentRunes {
		return nil, ErrContentTooLong
	}
	if err := s.authorize(ctx, h, conversationID); err != nil {
		return nil, err
	}

	msg, created, err := s.Repo.CreateMessageIdempotent(ctx, s.DB, conversationID, h.UserID, content, clientMessageID, s.IdempotencyTTL)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.Bool("message.created", created),
	)
	if created {
		s.Gateway.NotifyMessageSent(ctx, conversationID, *msg, ExcludeHandle(h.ID))
	}
	return msg, nil
}

// SetTyping records and announces a typing indicator.
func (s *SessionService) SetTyping(ctx context.Context, h *realtime.Handle, conversationID string, isTyping bool) error {
	ctx, span := s.start(ctx, "SetTyping", h, conversationID)
	defer span.End()

	if err := s.authorize(ctx, h, conversationID); err != nil {
		return err
	}
	return s.Typing.SetTyping(ctx, conversationID, h.UserID, isTyping)
}

// MarkAsRead moves the user's read cursor and announces the receipt. An
// empty messageID marks everything up to now as read.
func (s *SessionService) MarkAsRead(ctx context.Context, h *realtime.Handle, conversationID, messageID string) (*domain.MessageRead, error) {
	ctx, span := s.start(ctx, "MarkAsRead", h, conversationID)
	defer span.End()

	if err := s.authorize(ctx, h, conversationID); err != nil {
		return nil, err
	}
	cursor, err := s.Repo.MarkConversationRead(ctx, s.DB, conversationID, h.UserID, strings.TrimSpace(messageID), s.clock())
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, repo.ErrMessageNotInConversation):
		return nil, ErrMessageNotFound
	case err != nil:
		return nil, err
	}
	s.Gateway.NotifyMessagesRead(ctx, conversationID, h.UserID, cursor.ReadAt,
		ExcludeHandle(h.ID), ReadUpTo(cursor.MessageID))
	return cursor, nil
}

// WatchPresence subscribes h to another user's presence topic.
func (s *SessionService) WatchPresence(ctx context.Context, h *realtime.Handle, userID string) error {
	if !realtime.ValidID(userID) {
		return ErrInvalidArgument
	}
	return s.Rooms.Join(ctx, h, realtime.PresenceTopic(userID))
}

// UnwatchPresence drops a presence subscription.
func (s *SessionService) UnwatchPresence(h *realtime.Handle, userID string) error {
	if !realtime.ValidID(userID) {
		return ErrInvalidArgument
	}
	return s.Rooms.Leave(h, realtime.PresenceTopic(userID))
}

// Authorize reports whether userID may act in conversationID. It backs the
// per-operation checks below and the typing poll endpoint.
func (s *SessionService) Authorize(ctx context.Context, conversationID, userID string) error {
	if !realtime.ValidID(conversationID) {
		return ErrInvalidArgument
	}
	ok, err := s.Repo.IsParticipant(ctx, s.DB, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		log.Debug().
			Str("user_id", userID).
			Str("conversation_id", conversationID).
			Msg("rejected operation from non-participant")
		return ErrNotParticipant
	}
	return nil
}

func (s *SessionService) authorize(ctx context.Context, h *realtime.Handle, conversationID string) error {
	return s.Authorize(ctx, conversationID, h.UserID)
}

func (s *SessionService) start(ctx context.Context, op string, h *realtime.Handle, conversationID string) (context.Context, trace.Span) {
	return otel.Tracer("services/SessionService").Start(ctx, op,
		trace.WithAttributes(
			attribute.String("handle.id", h.ID),
			attribute.String("user.id", h.UserID),
			attribute.String("conversation.id", conversationID),
		),
	)
}

func (s *SessionService) clock() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
