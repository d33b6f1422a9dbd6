// Package services – Gateway
//
// Gateway turns application events from the CRUD layer into topic-scoped
// realtime deliveries. It is called after a persistence write has already
// succeeded, so none of its methods can fail the caller: publish and storage
// failures are logged, counted and swallowed. Delivering the same event twice
// is harmless; events are live-update hints and storage stays authoritative.
package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/observability"
	"github.com/tbourn/go-chat-realtime/internal/realtime"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Publisher sends an envelope through the shared fanout channel.
type Publisher interface {
	Publish(ctx context.Context, env realtime.Envelope) error
}

// GatewayRepo is the storage contract the gateway reads from.
type GatewayRepo interface {
	FetchConversationParticipants(ctx context.Context, db *gorm.DB, conversationID string) ([]string, error)
	FetchUserNotificationSettings(ctx context.Context, db *gorm.DB, userID string) (domain.NotificationSettings, error)
	CountUnreadMessages(ctx context.Context, db *gorm.DB, conversationID, userID string) (int64, error)
	CountUnreadNotifications(ctx context.Context, db *gorm.DB, userID string) (int64, error)
}

// Gateway is the notification delivery gateway.
type Gateway struct {
	DB   *gorm.DB
	Repo GatewayRepo
	Pub  Publisher
}

// NewGateway wires a gateway.
func NewGateway(db *gorm.DB, r GatewayRepo, pub Publisher) *Gateway {
	return &Gateway{DB: db, Repo: r, Pub: pub}
}

type notifyOptions struct {
	excludeHandle string
	messageID     string
}

// NotifyOption tunes a single gateway call.
type NotifyOption func(*notifyOptions)

// ExcludeHandle keeps one connection (normally the sender's) from receiving
// the conversation event.
func ExcludeHandle(handleID string) NotifyOption {
	return func(o *notifyOptions) { o.excludeHandle = handleID }
}

// ReadUpTo names the message a read receipt refers to.
func ReadUpTo(messageID string) NotifyOption {
	return func(o *notifyOptions) { o.messageID = messageID }
}

func collect(opts []NotifyOption) notifyOptions {
	var o notifyOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NotifyMessageSent delivers newMessage to the conversation topic and
// refreshes every other participant's unread badge.
func (g *Gateway) NotifyMessageSent(ctx context.Context, conversationID string, msg domain.Message, opts ...NotifyOption) {
	ctx, span := otel.Tracer("services/Gateway").Start(ctx, "NotifyMessageSent",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("message.id", msg.ID),
		),
	)
	defer span.End()
	o := collect(opts)

	env := realtime.NewEnvelope(realtime.ConversationTopic(conversationID), realtime.NewMessage{
		ID:              msg.ID,
		ConversationID:  conversationID,
		SenderID:        msg.SenderID,
		Content:         msg.Content,
		ClientMessageID: msg.ClientMessageID,
		CreatedAt:       msg.CreatedAt.UTC(),
	})
	env.Exclude = o.excludeHandle
	g.publish(ctx, env)

	participants, err := g.Repo.FetchConversationParticipants(ctx, g.DB, conversationID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("gateway: participants lookup failed; skipping unread badges")
		return
	}
	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		g.pushUnread(ctx, userID, conversationID)
	}
}

// NotifyNotificationCreated delivers newNotification and the notification
// badge to userID, subject to the user's settings.
func (g *Gateway) NotifyNotificationCreated(ctx context.Context, userID string, n domain.Notification) {
	ctx, span := otel.Tracer("services/Gateway").Start(ctx, "NotifyNotificationCreated",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("notification.kind", n.Kind),
		),
	)
	defer span.End()

	settings, ok := g.settings(ctx, userID)
	if !ok {
		return
	}
	if settings.Notifications {
		createdAt := n.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		g.publish(ctx, realtime.NewEnvelope(realtime.UserTopic(userID), realtime.NewNotification{
			ID:        n.ID,
			UserID:    userID,
			Kind:      n.Kind,
			ActorID:   n.ActorID,
			EntityID:  n.EntityID,
			Text:      n.Text,
			CreatedAt: createdAt.UTC(),
		}))
	}
	if settings.UnreadBadges {
		g.publishUnread(ctx, userID, "")
	}
}

// NotifyMessagesRead delivers a read receipt to the conversation and drops
// the reader's own badge on their other devices.
func (g *Gateway) NotifyMessagesRead(ctx context.Context, conversationID, userID string, readAt time.Time, opts ...NotifyOption) {
	ctx, span := otel.Tracer("services/Gateway").Start(ctx, "NotifyMessagesRead",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()
	o := collect(opts)

	env := realtime.NewEnvelope(realtime.ConversationTopic(conversationID), realtime.MessageRead{
		ConversationID: conversationID,
		UserID:         userID,
		MessageID:      o.messageID,
		ReadAt:         readAt.UTC(),
	})
	env.Exclude = o.excludeHandle
	g.publish(ctx, env)
	g.pushUnread(ctx, userID, conversationID)
}

// NotifyUnreadCount recomputes and delivers one badge. An empty
// conversationID refers to the notification badge.
func (g *Gateway) NotifyUnreadCount(ctx context.Context, userID, conversationID string) {
	ctx, span := otel.Tracer("services/Gateway").Start(ctx, "NotifyUnreadCount",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", conversationID),
		),
	)
	defer span.End()

	g.pushUnread(ctx, userID, conversationID)
}

// pushUnread publishes a badge update when the user's settings allow it.
func (g *Gateway) pushUnread(ctx context.Context, userID, conversationID string) {
	settings, ok := g.settings(ctx, userID)
	if !ok || !settings.UnreadBadges {
		return
	}
	g.publishUnread(ctx, userID, conversationID)
}

func (g *Gateway) publishUnread(ctx context.Context, userID, conversationID string) {
	var (
		count int64
		err   error
		scope = realtime.UnreadScopeConversation
	)
	if conversationID == "" {
		scope = realtime.UnreadScopeNotifications
		count, err = g.Repo.CountUnreadNotifications(ctx, g.DB, userID)
	} else {
		count, err = g.Repo.CountUnreadMessages(ctx, g.DB, conversationID, userID)
	}
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Str("scope", scope).Msg("gateway: unread count failed")
		return
	}
	g.publish(ctx, realtime.NewEnvelope(realtime.UserTopic(userID), realtime.UnreadCountUpdated{
		Scope:          scope,
		ConversationID: conversationID,
		Count:          count,
	}))
}

func (g *Gateway) settings(ctx context.Context, userID string) (domain.NotificationSettings, bool) {
	s, err := g.Repo.FetchUserNotificationSettings(ctx, g.DB, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("gateway: settings lookup failed")
		return s, false
	}
	return s, true
}

// publish is best-effort: failures are logged and counted only.
func (g *Gateway) publish(ctx context.Context, env realtime.Envelope) {
	if err := g.Pub.Publish(ctx, env); err != nil {
		observability.PublishFailures.WithLabelValues(string(env.Event)).Inc()
		log.Warn().Err(err).
			Str("topic", env.Topic).
			Str("event", string(env.Event)).
			Msg("gateway: realtime delivery skipped")
	}
}
