// Internal gateway bridge.
//
// The CRUD services call these endpoints right after a successful write. The
// gateway never fails the caller, so a well-formed request is always answered
// with 202 whether or not anyone was online to receive the event.
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

//
// DTOs
//

// MessageSentRequest describes a persisted chat message.
type MessageSentRequest struct {
	ID              string    `json:"id"                          binding:"required" example:"6f1c2a0e-8d4b-4c61-9f0e-0b9a3f1d2c11"`
	SenderID        string    `json:"sender_id"                   binding:"required" example:"alice"`
	Content         string    `json:"content"                     example:"hello"`
	ClientMessageID string    `json:"client_message_id,omitempty" example:"c-123"`
	CreatedAt       time.Time `json:"created_at"                  example:"2025-01-01T12:00:00Z"`
	// ExcludeHandle keeps one connection from receiving the event.
	ExcludeHandle string `json:"exclude_handle,omitempty"`
}

// NotificationCreatedRequest describes a persisted notification.
type NotificationCreatedRequest struct {
	ID        string    `json:"id"                  binding:"required" example:"2b4c6d8e-0000-4000-8000-000000000001"`
	Kind      string    `json:"kind"                binding:"required" example:"friend_request"`
	ActorID   string    `json:"actor_id,omitempty"  example:"bob"`
	EntityID  string    `json:"entity_id,omitempty" example:"post-9"`
	Text      string    `json:"text"                example:"bob sent you a friend request"`
	CreatedAt time.Time `json:"created_at"          example:"2025-01-01T12:00:00Z"`
}

// MessagesReadRequest describes a moved read cursor.
type MessagesReadRequest struct {
	UserID    string    `json:"user_id"              binding:"required" example:"bob"`
	MessageID string    `json:"message_id,omitempty" example:"6f1c2a0e-8d4b-4c61-9f0e-0b9a3f1d2c11"`
	ReadAt    time.Time `json:"read_at"              example:"2025-01-01T12:00:05Z"`
}

// UnreadCountRequest selects the badge to refresh; an empty conversation id
// refers to the notification badge.
type UnreadCountRequest struct {
	ConversationID string `json:"conversation_id,omitempty" example:"42"`
}

//
// Handlers
//

// NotifyMessageSent godoc
// @ID          notifyMessageSent
// @Summary     Announce a persisted message
// @Description Publishes newMessage to the conversation and refreshes the other participants' unread badges. Delivery is best-effort.
// @Tags        Gateway
// @Accept      json
// @Produce     json
//
// @Param       X-Internal-Token  header  string  true  "Shared secret of the CRUD services"
// @Param       id                path    string  true  "Conversation ID"
// @Param       body              body    handlers.MessageSentRequest  true  "Message"
//
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /internal/v1/conversations/{id}/messages [post]
func (h *Handlers) NotifyMessageSent(c *gin.Context) {
	conversationID, valid := pathID(c)
	if !valid {
		return
	}
	var req MessageSentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	var opts []services.NotifyOption
	if req.ExcludeHandle != "" {
		opts = append(opts, services.ExcludeHandle(req.ExcludeHandle))
	}
	h.gateway.NotifyMessageSent(c.Request.Context(), conversationID, domain.Message{
		ID:              req.ID,
		ConversationID:  conversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       orNow(req.CreatedAt),
	}, opts...)
	accepted(c)
}

// NotifyNotificationCreated godoc
// @ID          notifyNotificationCreated
// @Summary     Announce a persisted notification
// @Description Publishes newNotification and the notification badge to the user, subject to their notification settings.
// @Tags        Gateway
// @Accept      json
// @Produce     json
//
// @Param       X-Internal-Token  header  string  true  "Shared secret of the CRUD services"
// @Param       id                path    string  true  "Recipient user ID"
// @Param       body              body    handlers.NotificationCreatedRequest  true  "Notification"
//
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /internal/v1/users/{id}/notifications [post]
func (h *Handlers) NotifyNotificationCreated(c *gin.Context) {
	userID, valid := pathID(c)
	if !valid {
		return
	}
	var req NotificationCreatedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	h.gateway.NotifyNotificationCreated(c.Request.Context(), userID, domain.Notification{
		ID:        req.ID,
		UserID:    userID,
		Kind:      req.Kind,
		ActorID:   req.ActorID,
		EntityID:  req.EntityID,
		Text:      req.Text,
		CreatedAt: orNow(req.CreatedAt),
	})
	accepted(c)
}

// NotifyMessagesRead godoc
// @ID          notifyMessagesRead
// @Summary     Announce a read receipt
// @Description Publishes messageRead to the conversation and refreshes the reader's badge on their other devices.
// @Tags        Gateway
// @Accept      json
// @Produce     json
//
// @Param       X-Internal-Token  header  string  true  "Shared secret of the CRUD services"
// @Param       id                path    string  true  "Conversation ID"
// @Param       body              body    handlers.MessagesReadRequest  true  "Read receipt"
//
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /internal/v1/conversations/{id}/read [post]
func (h *Handlers) NotifyMessagesRead(c *gin.Context) {
	conversationID, valid := pathID(c)
	if !valid {
		return
	}
	var req MessagesReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	var opts []services.NotifyOption
	if req.MessageID != "" {
		opts = append(opts, services.ReadUpTo(req.MessageID))
	}
	h.gateway.NotifyMessagesRead(c.Request.Context(), conversationID, req.UserID, orNow(req.ReadAt), opts...)
	accepted(c)
}

// NotifyUnreadCount godoc
// @ID          notifyUnreadCount
// @Summary     Refresh an unread badge
// @Description Recomputes one unread counter from storage and pushes it to the user. An empty conversation_id refreshes the notification badge.
// @Tags        Gateway
// @Accept      json
// @Produce     json
//
// @Param       X-Internal-Token  header  string  true   "Shared secret of the CRUD services"
// @Param       id                path    string  true   "User ID"
// @Param       body              body    handlers.UnreadCountRequest  false  "Badge selector"
//
// @Success     202  {object}  handlers.AcceptedResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Router      /internal/v1/users/{id}/unread [post]
func (h *Handlers) NotifyUnreadCount(c *gin.Context) {
	userID, valid := pathID(c)
	if !valid {
		return
	}
	var req UnreadCountRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
			return
		}
	}

	h.gateway.NotifyUnreadCount(c.Request.Context(), userID, strings.TrimSpace(req.ConversationID))
	accepted(c)
}

//
// Helpers
//

// pathID returns the trimmed :id parameter or answers 400.
func pathID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "id required")
		return "", false
	}
	if !realtime.ValidID(id) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid id")
		return "", false
	}
	return id, true
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
