// WebSocket transport.
//
// GET /ws upgrades first and verifies the credential afterwards, so a failed
// handshake still reaches the client as a {"type":"rejected"} frame followed
// by a close. After {"type":"connected"} the connection carries:
//
//	client → server  {"id":"1","op":"sendMessage","data":{...}}
//	server → client  {"type":"ack","id":"1","success":true,"data":{...}}
//	server → client  {"type":"event","event":"newMessage","topic":"conversation:42","payload":{...},"gap":0}
//
// One goroutine reads and executes operations in arrival order; another owns
// every write, draining acks and the handle's outbound ring.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-chat-realtime/internal/auth"
	"github.com/tbourn/go-chat-realtime/internal/http/middleware"
	"github.com/tbourn/go-chat-realtime/internal/observability"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

// Client operations.
const (
	opJoinConversation  = "joinConversation"
	opLeaveConversation = "leaveConversation"
	opSendMessage       = "sendMessage"
	opSetTyping         = "setTyping"
	opMarkAsRead        = "markAsRead"
	opWatchPresence     = "watchPresence"
	opUnwatchPresence   = "unwatchPresence"
	opPing              = "ping"
	opLogout            = "logout"
)

// Server frame types.
const (
	frameConnected = "connected"
	frameRejected  = "rejected"
	frameAck       = "ack"
	frameEvent     = "event"
)

const ackBuffer = 16

var (
	errUnknownOp = errors.New("unknown op")
	errBadParams = errors.New("invalid op data")
)

//
// Frames
//

// ClientFrame is one operation sent by the client.
type ClientFrame struct {
	ID   string          `json:"id"             example:"7"`
	Op   string          `json:"op"             example:"sendMessage"`
	Data json.RawMessage `json:"data,omitempty" swaggertype:"object"`
}

// ConnectedFrame is the first frame of an accepted connection.
type ConnectedFrame struct {
	Type     string `json:"type"      example:"connected"`
	HandleID string `json:"handle_id" example:"0b6f7c1e-2f0a-4f2a-9d59-1f9e0f5b1b7a"`
	UserID   string `json:"user_id"   example:"alice"`
}

// RejectedFrame is the only frame of a refused connection.
type RejectedFrame struct {
	Type   string `json:"type"   example:"rejected"`
	Reason string `json:"reason" example:"expired_token"`
}

// AckFrame acknowledges one ClientFrame.
type AckFrame struct {
	Type    string `json:"type"            example:"ack"`
	ID      string `json:"id"              example:"7"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty" example:"not_participant"`
	Data    any    `json:"data,omitempty"`
}

// EventFrame carries one server-pushed event. Gap is the number of events
// dropped for this connection so far; a change means the client should
// re-fetch from storage.
type EventFrame struct {
	Type    string             `json:"type"  example:"event"`
	Event   realtime.EventName `json:"event" example:"newMessage"`
	Topic   string             `json:"topic" example:"conversation:42"`
	Payload any                `json:"payload"`
	Gap     uint64             `json:"gap"`
}

type conversationParams struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageParams struct {
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

type typingParams struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type markAsReadParams struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type userParams struct {
	UserID string `json:"userId"`
}

type pongData struct {
	At time.Time `json:"at"`
}

func bind[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, errBadParams
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errBadParams
	}
	return v, nil
}

//
// Handler
//

// ServeWS godoc
// @ID          connectRealtime
// @Summary     Open a realtime connection
// @Description Upgrades to a WebSocket. The credential is read from the Authorization header or the token query parameter and verified after the upgrade; the first frame is either "connected" or "rejected".
// @Tags        Realtime
//
// @Param       Authorization  header  string  false  "Bearer token"
// @Param       token          query   string  false  "Bearer token for clients that cannot set headers"
//
// @Success     101  {object}  handlers.ConnectedFrame  "Switching Protocols"
// @Failure     400  {string}  string                   "Not a WebSocket handshake"
// @Router      /ws [get]
func (h *Handlers) ServeWS(c *gin.Context) {
	credential := auth.BearerToken(c.GetHeader("Authorization"))
	if credential == "" {
		credential = c.Query("token")
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	handle := h.conns.Open()
	lg := middleware.LoggerFrom(c).With().Str("handle_id", handle.ID).Logger()
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	id, err := h.verifier.Verify(ctx, credential)
	if err != nil {
		h.reject(conn, handle, auth.Reason(err), &lg)
		return
	}
	if !handle.Authenticate(id.UserID) {
		h.reject(conn, handle, auth.ReasonInvalidToken, &lg)
		return
	}
	if err := h.conns.Activate(ctx, handle); err != nil {
		reason := ErrCodeUnavailable
		if errors.Is(err, realtime.ErrTooManyConnections) {
			reason = ErrCodeTooManyConns
		}
		h.reject(conn, handle, reason, &lg)
		return
	}
	observability.Handshakes.WithLabelValues("ok").Inc()
	lg = lg.With().Str("user_id", handle.UserID).Logger()

	s := &wsSession{
		h:       h,
		conn:    conn,
		handle:  handle,
		limiter: rate.NewLimiter(limitOf(h.ws.RateRPS), h.ws.RateBurst),
		acks:    make(chan []byte, ackBuffer),
		ctx:     ctx,
		log:     lg,
	}
	if err := s.write(ConnectedFrame{Type: frameConnected, HandleID: handle.ID, UserID: handle.UserID}); err != nil {
		h.conns.Disconnect(handle, realtime.CloseNetwork)
		_ = conn.Close()
		return
	}
	lg.Info().Msg("realtime connection opened")
	s.run()
}

func (h *Handlers) reject(conn *websocket.Conn, handle *realtime.Handle, reason string, lg *zerolog.Logger) {
	handle.Reject(reason)
	observability.Handshakes.WithLabelValues(reason).Inc()
	lg.Info().Str("reason", reason).Msg("realtime handshake rejected")

	deadline := time.Now().Add(h.ws.WriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(RejectedFrame{Type: frameRejected, Reason: reason})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
	_ = conn.Close()
}

func limitOf(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

//
// Session
//

type wsSession struct {
	h       *Handlers
	conn    *websocket.Conn
	handle  *realtime.Handle
	limiter *rate.Limiter
	acks    chan []byte
	ctx     context.Context
	log     zerolog.Logger
}

func (s *wsSession) run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop()
	}()

	reason := s.readLoop()
	s.h.conns.Disconnect(s.handle, reason)
	<-done
	_ = s.conn.Close()

	s.log.Info().
		Str("reason", s.handle.CloseReason()).
		Uint64("gap", s.handle.Gap()).
		Msg("realtime connection closed")
}

// readLoop executes client operations until the connection fails or the
// client logs out. It returns the close reason.
func (s *wsSession) readLoop() string {
	pongWait := 2 * s.h.ws.PingInterval
	s.conn.SetReadLimit(s.h.ws.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("websocket read failed")
			}
			return realtime.CloseNetwork
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		s.h.conns.Touch(s.handle)

		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil || f.Op == "" {
			s.ack(AckFrame{Type: frameAck, ID: f.ID, Error: ErrCodeInvalidFrame})
			continue
		}
		if !s.limiter.Allow() {
			s.ack(AckFrame{Type: frameAck, ID: f.ID, Error: ErrCodeRateLimited})
			continue
		}
		if f.Op == opLogout {
			s.ack(AckFrame{Type: frameAck, ID: f.ID, Success: true})
			return realtime.CloseLogout
		}
		s.ack(s.dispatch(f))
	}
}

// dispatch runs one operation and builds its acknowledgement.
func (s *wsSession) dispatch(f ClientFrame) AckFrame {
	ctx, cancel := context.WithTimeout(s.ctx, s.h.ws.OpTimeout)
	defer cancel()

	var (
		data any
		err  error
	)
	switch f.Op {
	case opJoinConversation:
		var p conversationParams
		if p, err = bind[conversationParams](f.Data); err == nil {
			err = s.h.session.JoinConversation(ctx, s.handle, p.ConversationID)
		}
	case opLeaveConversation:
		var p conversationParams
		if p, err = bind[conversationParams](f.Data); err == nil {
			err = s.h.session.LeaveConversation(ctx, s.handle, p.ConversationID)
		}
	case opSendMessage:
		var p sendMessageParams
		if p, err = bind[sendMessageParams](f.Data); err == nil {
			msg, serr := s.h.session.SendMessage(ctx, s.handle, p.ConversationID, p.Content, p.ClientMessageID)
			if err = serr; err == nil {
				data = realtime.NewMessage{
					ID:              msg.ID,
					ConversationID:  msg.ConversationID,
					SenderID:        msg.SenderID,
					Content:         msg.Content,
					ClientMessageID: msg.ClientMessageID,
					CreatedAt:       msg.CreatedAt.UTC(),
				}
			}
		}
	case opSetTyping:
		var p typingParams
		if p, err = bind[typingParams](f.Data); err == nil {
			err = s.h.session.SetTyping(ctx, s.handle, p.ConversationID, p.IsTyping)
		}
	case opMarkAsRead:
		var p markAsReadParams
		if p, err = bind[markAsReadParams](f.Data); err == nil {
			cursor, merr := s.h.session.MarkAsRead(ctx, s.handle, p.ConversationID, p.MessageID)
			if err = merr; err == nil {
				data = realtime.MessageRead{
					ConversationID: cursor.ConversationID,
					UserID:         cursor.UserID,
					MessageID:      cursor.MessageID,
					ReadAt:         cursor.ReadAt.UTC(),
				}
			}
		}
	case opWatchPresence:
		var p userParams
		if p, err = bind[userParams](f.Data); err == nil {
			err = s.h.session.WatchPresence(ctx, s.handle, p.UserID)
		}
	case opUnwatchPresence:
		var p userParams
		if p, err = bind[userParams](f.Data); err == nil {
			err = s.h.session.UnwatchPresence(s.handle, p.UserID)
		}
	case opPing:
		data = pongData{At: time.Now().UTC()}
	default:
		err = errUnknownOp
	}

	if err != nil {
		return AckFrame{Type: frameAck, ID: f.ID, Error: s.errorCode(f.Op, err)}
	}
	return AckFrame{Type: frameAck, ID: f.ID, Success: true, Data: data}
}

// errorCode maps an operation error to the code sent to the client.
func (s *wsSession) errorCode(op string, err error) string {
	switch {
	case errors.Is(err, services.ErrNotParticipant):
		return ErrCodeNotParticipant
	case errors.Is(err, services.ErrInvalidArgument), errors.Is(err, errBadParams):
		return ErrCodeInvalidArgument
	case errors.Is(err, services.ErrEmptyContent):
		return ErrCodeEmptyContent
	case errors.Is(err, services.ErrContentTooLong):
		return ErrCodeContentTooLong
	case errors.Is(err, services.ErrMessageNotFound):
		return ErrCodeMessageNotFound
	case errors.Is(err, errUnknownOp):
		return ErrCodeUnknownOp
	case errors.Is(err, realtime.ErrNotActive), errors.Is(err, realtime.ErrHubClosed):
		return ErrCodeConnectionClosing
	case errors.Is(err, context.DeadlineExceeded):
		s.log.Warn().Str("op", op).Msg("realtime operation timed out")
		return ErrCodeUnavailable
	}
	s.log.Error().Err(err).Str("op", op).Msg("realtime operation failed")
	return ErrCodeInternal
}

// ack hands an acknowledgement to the writer. It gives up once the
// connection is closing.
func (s *wsSession) ack(a AckFrame) {
	b, err := json.Marshal(a)
	if err != nil {
		s.log.Error().Err(err).Str("op_id", a.ID).Msg("encode ack")
		return
	}
	select {
	case s.acks <- b:
	case <-s.handle.Done():
	case <-s.ctx.Done():
	}
}

// writeLoop is the only writer on the connection.
func (s *wsSession) writeLoop() {
	ping := time.NewTicker(s.h.ws.PingInterval)
	defer ping.Stop()

	for {
		select {
		case b := <-s.acks:
			if err := s.writeRaw(b); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.handle.Ready():
			if err := s.flush(); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.h.ws.WriteWait)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.handle.Done():
			s.drainAcks()
			reason := s.handle.CloseReason()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode(reason), reason), time.Now().Add(s.h.ws.WriteWait))
			_ = s.conn.Close()
			return
		case <-s.ctx.Done():
			_ = s.conn.Close()
			return
		}
	}
}

// flush writes every queued event.
func (s *wsSession) flush() error {
	for {
		env, ok := s.handle.Next()
		if !ok {
			return nil
		}
		err := s.write(EventFrame{
			Type:    frameEvent,
			Event:   env.Event,
			Topic:   env.Topic,
			Payload: env.Payload,
			Gap:     s.handle.Gap(),
		})
		if err != nil {
			return err
		}
	}
}

func (s *wsSession) drainAcks() {
	for {
		select {
		case b := <-s.acks:
			if s.writeRaw(b) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSession) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeRaw(b)
}

func (s *wsSession) writeRaw(b []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.h.ws.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func closeCode(reason string) int {
	switch reason {
	case realtime.CloseLogout:
		return websocket.CloseNormalClosure
	case realtime.CloseServer:
		return websocket.CloseGoingAway
	case realtime.CloseIdle:
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseNormalClosure
}
