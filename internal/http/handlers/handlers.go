package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tbourn/go-chat-realtime/internal/auth"
	"github.com/tbourn/go-chat-realtime/internal/domain"
	"github.com/tbourn/go-chat-realtime/internal/presence"
	"github.com/tbourn/go-chat-realtime/internal/realtime"
	"github.com/tbourn/go-chat-realtime/internal/services"
)

//
// Service contracts (context-aware)
//

// Connections is the slice of the hub driven by the WebSocket endpoint.
// *realtime.Hub satisfies it.
type Connections interface {
	Open() *realtime.Handle
	Activate(ctx context.Context, h *realtime.Handle) error
	Touch(h *realtime.Handle)
	Disconnect(h *realtime.Handle, reason string)
}

// Verifier validates the credential presented on the handshake.
type Verifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// Session executes client operations for one authenticated connection.
// *services.SessionService satisfies it.
type Session interface {
	JoinConversation(ctx context.Context, h *realtime.Handle, conversationID string) error
	LeaveConversation(ctx context.Context, h *realtime.Handle, conversationID string) error
	SendMessage(ctx context.Context, h *realtime.Handle, conversationID, content, clientMessageID string) (*domain.Message, error)
	SetTyping(ctx context.Context, h *realtime.Handle, conversationID string, isTyping bool) error
	MarkAsRead(ctx context.Context, h *realtime.Handle, conversationID, messageID string) (*domain.MessageRead, error)
	WatchPresence(ctx context.Context, h *realtime.Handle, userID string) error
	UnwatchPresence(h *realtime.Handle, userID string) error
	Authorize(ctx context.Context, conversationID, userID string) error
}

// Gateway is the notification delivery gateway as seen by the CRUD
// services. None of its methods can fail the caller.
// *services.Gateway satisfies it.
type Gateway interface {
	NotifyMessageSent(ctx context.Context, conversationID string, msg domain.Message, opts ...services.NotifyOption)
	NotifyNotificationCreated(ctx context.Context, userID string, n domain.Notification)
	NotifyMessagesRead(ctx context.Context, conversationID, userID string, readAt time.Time, opts ...services.NotifyOption)
	NotifyUnreadCount(ctx context.Context, userID, conversationID string)
}

// Presence answers cross-process presence and typing polls.
// *presence.Tracker satisfies it.
type Presence interface {
	Status(ctx context.Context, userID string) (realtime.PresenceStatus, error)
	TypingUsers(ctx context.Context, conversationID string) ([]presence.Indicator, error)
}

//
// Handler wiring
//

// WSOptions tunes the WebSocket transport.
type WSOptions struct {
	PingInterval   time.Duration // server ping cadence; the read deadline is twice this
	WriteWait      time.Duration // per-frame write deadline
	MaxFrameBytes  int64         // largest accepted client frame
	OpTimeout      time.Duration // upper bound for one client operation
	RateRPS        float64       // client frames per second per connection
	RateBurst      int
	AllowedOrigins []string // empty allows any origin
}

func (o WSOptions) withDefaults() WSOptions {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	return o
}

// Handlers groups the realtime HTTP endpoints. It depends on abstract
// service interfaces to keep transport concerns separate from the core.
type Handlers struct {
	conns    Connections
	verifier Verifier
	session  Session
	gateway  Gateway
	presence Presence

	ws       WSOptions
	upgrader websocket.Upgrader
}

// New constructs a Handlers instance bound to the given collaborators.
func New(conns Connections, verifier Verifier, session Session, gateway Gateway, presence Presence, ws WSOptions) *Handlers {
	ws = ws.withDefaults()
	return &Handlers{
		conns:    conns,
		verifier: verifier,
		session:  session,
		gateway:  gateway,
		presence: presence,
		ws:       ws,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(ws.AllowedOrigins),
		},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and, when a list is configured, only the listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
