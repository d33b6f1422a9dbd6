package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/presence"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

// PresenceResponse is the cross-process presence of one user.
type PresenceResponse struct {
	UserID string                  `json:"user_id" example:"bob"`
	Status realtime.PresenceStatus `json:"status"  example:"online"`
}

// TypingResponse lists the users currently typing in a conversation.
type TypingResponse struct {
	ConversationID string               `json:"conversation_id" example:"42"`
	Typing         []presence.Indicator `json:"typing"`
}

// GetPresence godoc
// @ID          getPresence
// @Summary     Read a user's presence
// @Description Returns online when any process holds a live connection lease for the user.
// @Tags        Presence
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "User ID"
//
// @Success     200  {object}  handlers.PresenceResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     503  {object}  handlers.ErrorResponse  "Shared store unavailable"
// @Router      /api/v1/users/{id}/presence [get]
func (h *Handlers) GetPresence(c *gin.Context) {
	userID, valid := pathID(c)
	if !valid {
		return
	}
	status, err := h.presence.Status(c.Request.Context(), userID)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("presence read failed")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "presence unavailable")
		return
	}
	ok(c, http.StatusOK, PresenceResponse{UserID: userID, Status: status})
}

// GetTyping godoc
// @ID          getTyping
// @Summary     Poll typing indicators
// @Description Returns the participants whose typing indicator is set. Indicators expire on their own if a stop event is lost.
// @Tags        Presence
// @Produce     json
// @Security    BearerAuth
//
// @Param       id  path  string  true  "Conversation ID"
//
// @Success     200  {object}  handlers.TypingResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthorized"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a participant"
// @Failure     503  {object}  handlers.ErrorResponse  "Shared store unavailable"
// @Router      /api/v1/conversations/{id}/typing [get]
func (h *Handlers) GetTyping(c *gin.Context) {
	conversationID, valid := pathID(c)
	if !valid {
		return
	}
	ctx := c.Request.Context()

	if err := h.session.Authorize(ctx, conversationID, middleware.UserID(c)); err != nil {
		if errors.Is(err, services.ErrNotParticipant) {
			fail(c, http.StatusForbidden, ErrCodeNotParticipant, "not a participant of this conversation")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	users, err := h.presence.TypingUsers(ctx, conversationID)
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("typing read failed")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "typing state unavailable")
		return
	}
	if users == nil {
		users = []presence.Indicator{}
	}
	ok(c, http.StatusOK, TypingResponse{ConversationID: conversationID, Typing: users})
}
